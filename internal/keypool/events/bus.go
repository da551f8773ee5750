package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscription channel capacity used when a caller
// passes a non-positive buffer.
const DefaultBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: an event that
// does not fit a subscriber's buffer is dropped for that subscriber and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	dropped atomic.Int64
	onDrop  func()
	logger  *slog.Logger
}

// NewBus creates an empty bus. onDrop, if non-nil, is called once per dropped delivery.
func NewBus(logger *slog.Logger, onDrop func()) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]chan Event),
		onDrop: onDrop,
		logger: logger.With("component", "event_bus"),
	}
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function that unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
			b.logger.Debug("subscriber buffer full, event dropped", "type", string(e.Type))
		}
	}
}

// Dropped returns how many deliveries were dropped.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unregisters every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Forward drains a new subscription into sink until ctx ends or the bus
// closes. Sink errors are logged and skipped.
func (b *Bus) Forward(ctx context.Context, sink Sink, buffer int) {
	ch, cancel := b.Subscribe(buffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := sink.Append(ctx, e); err != nil {
				b.logger.Warn("event sink append failed", "type", string(e.Type), "error", err)
			}
		}
	}
}
