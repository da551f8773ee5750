package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
)

// windowCounter counts admissions within one fixed window.
type windowCounter struct {
	index int64
	count atomic.Int64
}

// secretWindow tracks one secret's quota and its live window. A new window
// replaces the old one by compare-and-swap so the hot path never locks.
type secretWindow struct {
	quota   Quota
	current atomic.Pointer[windowCounter]
}

func (w *secretWindow) admit(index int64) bool {
	for {
		cur := w.current.Load()
		if cur == nil || cur.index < index {
			next := &windowCounter{index: index}
			if !w.current.CompareAndSwap(cur, next) {
				continue
			}
			cur = next
		}
		return cur.count.Add(1) <= w.quota.Capacity
	}
}

func (w *secretWindow) used(index int64) int64 {
	cur := w.current.Load()
	if cur == nil || cur.index != index {
		return 0
	}
	return min(cur.count.Load(), w.quota.Capacity)
}

// LocalLimiter holds fixed-window counters in process memory.
type LocalLimiter struct {
	mu      sync.RWMutex
	windows map[string]*secretWindow
	clock   clockwork.Clock
}

// NewLocalLimiter creates an empty limiter. A nil clock uses the real clock.
func NewLocalLimiter(clock clockwork.Clock) *LocalLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocalLimiter{
		windows: make(map[string]*secretWindow),
		clock:   clock,
	}
}

// Register sets the quota for id. Re-registering with the same quota keeps the
// live window so a reload cannot reset a secret's consumption.
func (l *LocalLimiter) Register(id string, quota Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.windows[id]; ok && w.quota == quota {
		return
	}
	l.windows[id] = &secretWindow{quota: quota}
}

// Admit consumes one unit of id's current window.
func (l *LocalLimiter) Admit(_ context.Context, id string) bool {
	w, ok := l.lookup(id)
	if !ok || w.quota.Capacity <= 0 || w.quota.Window <= 0 {
		return false
	}
	return w.admit(windowIndex(l.clock.Now(), w.quota.Window))
}

// Remove forgets id.
func (l *LocalLimiter) Remove(id string) {
	l.mu.Lock()
	delete(l.windows, id)
	l.mu.Unlock()
}

// Usage reports how much of id's current window is consumed.
func (l *LocalLimiter) Usage(id string) (used, capacity int64, ok bool) {
	w, ok := l.lookup(id)
	if !ok {
		return 0, 0, false
	}
	return w.used(windowIndex(l.clock.Now(), w.quota.Window)), w.quota.Capacity, true
}

// Quota returns the registered quota for id.
func (l *LocalLimiter) Quota(id string) (Quota, bool) {
	w, ok := l.lookup(id)
	if !ok {
		return Quota{}, false
	}
	return w.quota, true
}

// Len returns the number of registered secrets.
func (l *LocalLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

func (l *LocalLimiter) lookup(id string) (*secretWindow, bool) {
	l.mu.RLock()
	w, ok := l.windows[id]
	l.mu.RUnlock()
	return w, ok
}
