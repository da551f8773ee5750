package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/keypool/internal/domain"
	"github.com/ahrav/keypool/internal/keypool/allocator"
	"github.com/ahrav/keypool/internal/keypool/configuration"
	"github.com/ahrav/keypool/internal/keypool/events"
	"github.com/ahrav/keypool/internal/keypool/ratelimit"
	"github.com/ahrav/keypool/internal/keypool/store"
	"github.com/ahrav/keypool/internal/keypool/upstream"
	"github.com/ahrav/keypool/internal/keypool/usage"
	"github.com/ahrav/keypool/internal/keypool/vault"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fakePool struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	records map[string]domain.SecretRecord
	reject  map[string]bool
	resets  []string
}

func newFakePool(clock clockwork.Clock) *fakePool {
	return &fakePool{clock: clock, records: map[string]domain.SecretRecord{}, reject: map[string]bool{}}
}

func (p *fakePool) put(rec domain.SecretRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec.Status == "" {
		rec.Status = domain.StatusActive
	}
	if rec.Tier == "" {
		rec.Tier = domain.TierBasic
	}
	p.records[rec.ID] = rec
}

func (p *fakePool) Snapshot() []domain.SecretRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.SecretRecord, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r)
	}
	return out
}

func (p *fakePool) AddSecret(_ context.Context, req domain.AddSecretRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject[req.Secret] {
		return "", errors.New("rejected")
	}
	id := "added-" + req.Secret
	p.records[id] = domain.SecretRecord{ID: id, Status: domain.StatusActive, Tier: domain.TierBasic, CreatedAt: p.clock.Now()}
	return id, nil
}

func (p *fakePool) RetireWithReason(_ context.Context, id, reason string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return false, errors.New("not found")
	}
	rec.Status = domain.StatusRetired
	rec.StatusReason = reason
	p.records[id] = rec
	return true, nil
}

func (p *fakePool) SweepExpired(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	var n int
	for id, rec := range p.records {
		if rec.Status == domain.StatusActive && rec.Expired(now) {
			rec.Status = domain.StatusRetired
			rec.StatusReason = "expired"
			p.records[id] = rec
			n++
		}
	}
	return n, nil
}

func (p *fakePool) ResetUsage(_ context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		rec := p.records[id]
		rec.UsageCount = 0
		p.records[id] = rec
	}
	p.resets = append(p.resets, ids...)
	return nil
}

func (p *fakePool) count(status domain.Status) int {
	var n int
	for _, r := range p.Snapshot() {
		if r.Status == status {
			n++
		}
	}
	return n
}

func (p *fakePool) status(id string) domain.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[id].Status
}

type sliceSource struct {
	mu    sync.Mutex
	items []domain.AddSecretRequest
}

func (s *sliceSource) Next(context.Context) (domain.AddSecretRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return domain.AddSecretRequest{}, false
	}
	req := s.items[0]
	s.items = s.items[1:]
	return req, true
}

func (s *sliceSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

type fixedSummary struct {
	s   usage.Summary
	err error
}

func (f fixedSummary) Summary(context.Context, time.Time, time.Time) (usage.Summary, error) {
	return f.s, f.err
}

type healthFunc func() bool

func (f healthFunc) Healthy() bool { return f() }

func bounds(minSize, maxSize int) *configuration.Config {
	cfg := configuration.DefaultConfig()
	cfg.MinPoolSize = minSize
	cfg.MaxPoolSize = maxSize
	return cfg
}

func TestRebalance_RetiresInvalidAndExpired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	pool := newFakePool(clock)
	past := t0.Add(-time.Minute)
	pool.put(domain.SecretRecord{ID: "ok-1"})
	pool.put(domain.SecretRecord{ID: "ok-2"})
	pool.put(domain.SecretRecord{ID: "bad", Status: domain.StatusInvalid})
	pool.put(domain.SecretRecord{ID: "old", ExpiresAt: &past})

	bus := events.NewBus(nil, nil)
	sub, cancel := bus.Subscribe(8)
	defer cancel()

	o := New(bounds(1, 10), Deps{Pool: pool, Events: bus, Clock: clock})
	res := o.Rebalance(context.Background())

	assert.Equal(t, 2, res.Retired)
	assert.Zero(t, res.Added)
	assert.Len(t, res.Actions, 2)
	assert.Equal(t, domain.StatusRetired, pool.status("bad"))
	assert.Equal(t, domain.StatusRetired, pool.status("old"))
	assert.Equal(t, 2, pool.count(domain.StatusActive))

	require.Len(t, sub, 1)
	assert.Equal(t, events.PoolRebalanced, (<-sub).Type)
}

func TestRebalance_ExcessPolicy(t *testing.T) {
	tests := []struct {
		policy  configuration.ExcessPolicy
		retired []string
	}{
		{configuration.ExcessHighestUsage, []string{"u50", "u40"}},
		{configuration.ExcessLowestUsage, []string{"u10", "u20"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(t0)
			pool := newFakePool(clock)
			for _, n := range []int64{10, 20, 30, 40, 50} {
				pool.put(domain.SecretRecord{ID: fmt.Sprintf("u%d", n), UsageCount: n})
			}

			cfg := bounds(1, 3)
			cfg.ExcessPolicy = tt.policy
			res := New(cfg, Deps{Pool: pool, Clock: clock}).Rebalance(context.Background())

			assert.Equal(t, 2, res.Retired)
			for _, id := range tt.retired {
				assert.Equal(t, domain.StatusRetired, pool.status(id), id)
			}
			assert.Equal(t, 3, pool.count(domain.StatusActive))
		})
	}
}

func TestRebalance_TopUpFromReserve(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	pool := newFakePool(clock)
	pool.put(domain.SecretRecord{ID: "a"})
	pool.put(domain.SecretRecord{ID: "b"})
	pool.reject["sk_live_r2"] = true

	src := &sliceSource{}
	for i := range 5 {
		src.items = append(src.items, domain.AddSecretRequest{Secret: fmt.Sprintf("sk_live_r%d", i)})
	}

	res := New(bounds(5, 10), Deps{Pool: pool, Source: src, Clock: clock}).Rebalance(context.Background())

	assert.Equal(t, 3, res.Added)
	assert.Equal(t, 5, pool.count(domain.StatusActive))
	assert.Equal(t, 1, src.Len(), "a rejected item is consumed and the next one drawn")
}

func TestRebalance_NeverExceedsMax(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	pool := newFakePool(clock)
	src := &sliceSource{}
	for i := range 10 {
		src.items = append(src.items, domain.AddSecretRequest{Secret: fmt.Sprintf("sk_live_r%d", i)})
	}

	res := New(bounds(3, 3), Deps{Pool: pool, Source: src, Clock: clock}).Rebalance(context.Background())
	assert.Equal(t, 3, res.Added)
	assert.Equal(t, 3, pool.count(domain.StatusActive))
	assert.Equal(t, 7, src.Len())
}

func TestRebalance_WithoutReserveRecommendsAdding(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	pool := newFakePool(clock)
	pool.put(domain.SecretRecord{ID: "a"})

	res := New(bounds(3, 10), Deps{Pool: pool, Clock: clock}).Rebalance(context.Background())

	assert.Zero(t, res.Added)
	assert.Empty(t, res.Actions)
	require.NotEmpty(t, res.Recommendations)
	assert.Contains(t, res.Recommendations[0], "add 2")
}

func TestRotate_ResetsLeastRecentlyUsed(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	pool := newFakePool(clock)
	for i := range 5 {
		used := t0.Add(time.Duration(i) * time.Minute)
		pool.put(domain.SecretRecord{
			ID:         fmt.Sprintf("s%d", i),
			UsageCount: 100,
			LastUsedAt: &used,
			// Status changes and outcomes move UpdatedAt; rotation ignores it.
			UpdatedAt: t0.Add(time.Duration(10-i) * time.Minute),
		})
	}
	pool.put(domain.SecretRecord{ID: "fresh", UpdatedAt: t0.Add(time.Hour)})
	pool.put(domain.SecretRecord{ID: "invalid", Status: domain.StatusInvalid})

	cfg := bounds(1, 10)
	cfg.RotationFraction = 0.4
	n, err := New(cfg, Deps{Pool: pool, Clock: clock}).Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"fresh", "s0", "s1"}, pool.resets)

	cfg.RotationFraction = 0
	n, err = New(cfg, Deps{Pool: pool, Clock: clock}).Rotate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAnalyze(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	pool := newFakePool(clock)
	pool.put(domain.SecretRecord{ID: "a", UsageCount: 4})
	pool.put(domain.SecretRecord{ID: "b", UsageCount: 8, Tier: domain.TierElevated})
	pool.put(domain.SecretRecord{ID: "c", Status: domain.StatusInvalid})
	pool.put(domain.SecretRecord{ID: "d", Status: domain.StatusRetired})

	o := New(bounds(1, 10), Deps{Pool: pool, Clock: clock})
	a := o.Analyze(context.Background())

	assert.Equal(t, 3, a.Total)
	assert.Equal(t, 2, a.Active)
	assert.Equal(t, 2, a.Healthy)
	assert.Equal(t, 1, a.Invalid)
	assert.Equal(t, 1, a.Retired)
	assert.Equal(t, 1, a.ByTier[domain.TierBasic])
	assert.Equal(t, 1, a.ByTier[domain.TierElevated])
	assert.InDelta(t, 6.0, a.AvgUsage, 1e-9)
	assert.InDelta(t, 1.0, a.Efficiency, 1e-9, "no traffic means nothing to penalize")

	o = New(bounds(1, 10), Deps{Pool: pool, Clock: clock, Usage: fixedSummary{s: usage.Summary{
		TotalRequests: 100,
		SuccessRate:   1,
		AvgLatencyMs:  2500,
	}}})
	assert.InDelta(t, 0.85, o.Analyze(context.Background()).Efficiency, 1e-9)

	o = New(bounds(1, 10), Deps{Pool: pool, Clock: clock, Usage: fixedSummary{err: errors.New("down")}})
	assert.InDelta(t, 1.0, o.Analyze(context.Background()).Efficiency, 1e-9)
}

func TestHealth(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)

	t.Run("empty pool is unhealthy", func(t *testing.T) {
		h := New(bounds(0, 10), Deps{Pool: newFakePool(clock), Clock: clock}).Health(context.Background())
		assert.Equal(t, StatusUnhealthy, h.Status)
		assert.Zero(t, h.Score)
		assert.NotEmpty(t, h.Issues)
	})

	t.Run("full pool is healthy", func(t *testing.T) {
		pool := newFakePool(clock)
		for i := range 3 {
			pool.put(domain.SecretRecord{ID: fmt.Sprintf("s%d", i)})
		}
		h := New(bounds(3, 10), Deps{Pool: pool, Clock: clock}).Health(context.Background())
		assert.Equal(t, StatusHealthy, h.Status)
		assert.InDelta(t, 100.0, h.Score, 1e-9)
		assert.Empty(t, h.Issues)
	})

	t.Run("below minimum is degraded", func(t *testing.T) {
		pool := newFakePool(clock)
		pool.put(domain.SecretRecord{ID: "a"})
		h := New(bounds(3, 10), Deps{Pool: pool, Clock: clock}).Health(context.Background())
		assert.Equal(t, StatusDegraded, h.Status)
		assert.InDelta(t, 70.0, h.Score, 1e-9)
		assert.NotEmpty(t, h.Recommendations)
	})

	t.Run("failed checks and errors are unhealthy", func(t *testing.T) {
		pool := newFakePool(clock)
		pool.put(domain.SecretRecord{ID: "a"})
		h := New(bounds(1, 10), Deps{
			Pool:   pool,
			Clock:  clock,
			Health: healthFunc(func() bool { return false }),
			Usage:  fixedSummary{s: usage.Summary{TotalRequests: 10, SuccessRate: 0.3, AvgLatencyMs: 100}},
		}).Health(context.Background())
		assert.Equal(t, StatusUnhealthy, h.Status)
		assert.InDelta(t, 30.0, h.Score, 1e-9)
		assert.Len(t, h.Issues, 2)
	})
}

func TestOptimizer_StartStop(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	pool := newFakePool(clock)
	pool.put(domain.SecretRecord{ID: "bad", Status: domain.StatusInvalid})

	cfg := bounds(0, 10)
	cfg.RotationInterval = time.Minute
	o := New(cfg, Deps{Pool: pool, Clock: clock})
	o.Start()
	o.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	assert.Eventually(t, func() bool { return pool.status("bad") == domain.StatusRetired },
		2*time.Second, 10*time.Millisecond)

	o.Stop()
	o.Stop()
}

func TestRebalance_WithAllocator(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	key := vault.Key{Version: "v1"}
	ring, err := vault.NewKeyRing([]vault.Key{key}, nil)
	require.NoError(t, err)

	cfg := bounds(2, 3)
	alloc, err := allocator.New(cfg, allocator.Deps{
		Store:   store.NewMemoryStore(nil),
		Vault:   vault.New(ring, nil),
		Limiter: ratelimit.NewLocalLimiter(clock),
		Prober:  upstream.ProbeFunc(func(context.Context, string) error { return nil }),
		Clock:   clock,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := range 5 {
		_, err := alloc.AddSecret(ctx, domain.AddSecretRequest{Secret: fmt.Sprintf("sk_live_%03d", i)})
		require.NoError(t, err)
	}
	ids := alloc.Snapshot()
	require.NoError(t, alloc.MarkInvalid(ctx, ids[0].ID, "probe failed"))

	res := New(cfg, Deps{Pool: alloc, Clock: clock}).Rebalance(ctx)
	assert.Equal(t, 2, res.Retired, "one invalid and one excess")

	var active int
	for _, rec := range alloc.Snapshot() {
		if rec.Status == domain.StatusActive {
			active++
		}
	}
	assert.Equal(t, 3, active)
}
