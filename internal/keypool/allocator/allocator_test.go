package allocator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/keypool/internal/domain"
	"github.com/ahrav/keypool/internal/keypool/configuration"
	poolerrors "github.com/ahrav/keypool/internal/keypool/errors"
	"github.com/ahrav/keypool/internal/keypool/events"
	"github.com/ahrav/keypool/internal/keypool/metrics"
	"github.com/ahrav/keypool/internal/keypool/ratelimit"
	"github.com/ahrav/keypool/internal/keypool/store"
	"github.com/ahrav/keypool/internal/keypool/upstream"
	"github.com/ahrav/keypool/internal/keypool/vault"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	alloc  *Allocator
	store  *store.MemoryStore
	clock  *clockwork.FakeClock
	bus    *events.Bus
	vault  *vault.Vault
	probes *atomic.Int64
	cfg    *configuration.Config
}

func acceptAll(probes *atomic.Int64) upstream.Prober {
	return upstream.ProbeFunc(func(context.Context, string) error {
		probes.Add(1)
		return nil
	})
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := vault.Key{Version: "v1"}
	for i := range key.Data {
		key.Data[i] = byte(i)
	}
	ring, err := vault.NewKeyRing([]vault.Key{key}, nil)
	require.NoError(t, err)
	return vault.New(ring, nil)
}

func newFixture(t *testing.T, mutate func(*configuration.Config), prober upstream.Prober) *fixture {
	t.Helper()
	cfg := configuration.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		store:  store.NewMemoryStore(nil),
		clock:  clockwork.NewFakeClockAt(t0),
		bus:    events.NewBus(nil, nil),
		vault:  testVault(t),
		probes: &atomic.Int64{},
		cfg:    cfg,
	}
	if prober == nil {
		prober = acceptAll(f.probes)
	}

	alloc, err := New(cfg, Deps{
		Store:   f.store,
		Vault:   f.vault,
		Limiter: ratelimit.NewLocalLimiter(f.clock),
		Prober:  prober,
		Events:  f.bus,
		Metrics: metrics.New(nil),
		Clock:   f.clock,
	})
	require.NoError(t, err)
	f.alloc = alloc
	return f
}

func (f *fixture) add(t *testing.T, raw string) string {
	t.Helper()
	id, err := f.alloc.AddSecret(context.Background(), domain.AddSecretRequest{Secret: raw})
	require.NoError(t, err)
	return id
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, Deps{})
	assert.Error(t, err)
	_, err = New(configuration.DefaultConfig(), Deps{Store: store.NewMemoryStore(nil)})
	assert.Error(t, err)
}

func TestAllocator_AddAllocateDemoteScenario(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	id, err := f.alloc.AddSecret(ctx, domain.AddSecretRequest{Secret: "sk_live_abc", Tier: domain.TierBasic})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, ok, err := f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got.SecretID)
	assert.Equal(t, "sk_live_abc", got.Secret)

	for range 3 {
		f.alloc.RecordUsage(ctx, id, domain.UsageSample{StatusCode: http.StatusUnauthorized})
	}

	rec, found := f.alloc.Lookup(id)
	require.True(t, found)
	assert.Equal(t, domain.StatusInvalid, rec.Status)
	assert.Contains(t, rec.StatusReason, "3 consecutive")

	_, ok, err = f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok, "an invalid secret must never be allocated")
}

func TestAllocator_AddSecretStoresSealedMetadataOnly(t *testing.T) {
	f := newFixture(t, nil, nil)
	id := f.add(t, "sk_live_abc")

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.Fingerprint("sk_live_abc"), rec.Fingerprint)
	assert.Equal(t, domain.TierBasic, rec.Tier)
	assert.Equal(t, int64(configuration.DefaultBasicCapacity), rec.RateCapacity)
	assert.Equal(t, time.Minute, rec.RateWindow)
	assert.Nil(t, rec.ExpiresAt)
	assert.NotContains(t, string(rec.Sealed), "sk_live_abc")

	raw, err := f.vault.Open(id, rec.Sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_abc", raw)

	for _, snap := range f.alloc.Snapshot() {
		assert.Nil(t, snap.Sealed)
	}
}

func TestAllocator_AddSecretValidation(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.alloc.AddSecret(context.Background(), domain.AddSecretRequest{Secret: "short"})
	assert.True(t, poolerrors.IsValidation(err))

	_, err = f.alloc.AddSecret(context.Background(), domain.AddSecretRequest{Secret: "sk_live_abc", Tier: "gold"})
	assert.True(t, poolerrors.IsValidation(err))

	assert.Zero(t, f.probes.Load(), "invalid input must not reach the upstream")
}

func TestAllocator_DuplicateInAnyStatus(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.add(t, "sk_live_abc")

	_, err := f.alloc.AddSecret(ctx, domain.AddSecretRequest{Secret: "sk_live_abc"})
	require.Error(t, err)
	var dup *poolerrors.DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, id, dup.ExistingID)
	assert.Equal(t, "active", dup.Status)
	assert.NotContains(t, err.Error(), "sk_live_abc")

	ok, err := f.alloc.RetireSecret(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.alloc.AddSecret(ctx, domain.AddSecretRequest{Secret: "sk_live_abc"})
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "retired", dup.Status)
	assert.Equal(t, int64(1), f.probes.Load(), "duplicates are rejected before probing")
}

func TestAllocator_UpstreamFailureStoresNothing(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{
			name:  "unreachable",
			err:   &poolerrors.UpstreamError{Type: poolerrors.ErrorTypeUpstreamUnavailable, Err: context.DeadlineExceeded},
			check: poolerrors.IsUpstreamUnavailable,
		},
		{
			name:  "rejected",
			err:   &poolerrors.UpstreamError{Type: poolerrors.ErrorTypeSecretRejected, StatusCode: 401},
			check: func(err error) bool { return errors.Is(err, poolerrors.ErrSecretRejected) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, upstream.ProbeFunc(func(context.Context, string) error { return tt.err }))

			_, err := f.alloc.AddSecret(context.Background(), domain.AddSecretRequest{Secret: "sk_live_abc"})
			require.Error(t, err)
			assert.True(t, tt.check(err))

			all, err := f.store.List(context.Background(), store.Filter{})
			require.NoError(t, err)
			assert.Empty(t, all)
			assert.Empty(t, f.alloc.Snapshot())
		})
	}
}

func TestAllocator_RetiredNeverAllocated(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.add(t, "sk_live_abc")

	ok, err := f.alloc.RetireSecret(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.alloc.RetireSecret(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "retiring twice is idempotent")

	for range 5 {
		_, granted, err := f.alloc.Allocate(ctx, "")
		require.NoError(t, err)
		assert.False(t, granted)
	}

	rec, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rec.Sealed, "retired secrets are unrecoverable")

	ok, err = f.alloc.RetireSecret(ctx, "unknown")
	assert.False(t, ok)
	assert.ErrorIs(t, err, poolerrors.ErrSecretNotFound)
}

func TestAllocator_TTLExpiry(t *testing.T) {
	f := newFixture(t, func(c *configuration.Config) {
		c.Tiers.Basic.TTL = 24 * time.Hour
	}, nil)
	ctx := context.Background()

	sub, cancel := f.bus.Subscribe(16)
	defer cancel()

	id := f.add(t, "sk_live_abc")
	rec, _ := f.alloc.Lookup(id)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, t0.Add(24*time.Hour).Equal(*rec.ExpiresAt))

	f.clock.Advance(24*time.Hour - time.Second)
	_, ok, err := f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	assert.True(t, ok)

	f.clock.Advance(time.Second + time.Nanosecond)
	_, ok, err = f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, _ = f.alloc.Lookup(id)
	assert.Equal(t, domain.StatusRetired, rec.Status)
	assert.Equal(t, "expired", rec.StatusReason)

	var types []events.Type
	for len(sub) > 0 {
		types = append(types, (<-sub).Type)
	}
	assert.Contains(t, types, events.SecretExpired)
}

func TestAllocator_SweepExpired(t *testing.T) {
	f := newFixture(t, func(c *configuration.Config) {
		c.Tiers.Elevated.TTL = time.Hour
	}, nil)
	ctx := context.Background()

	_, err := f.alloc.AddSecret(ctx, domain.AddSecretRequest{Secret: "sk_live_one", Tier: domain.TierElevated})
	require.NoError(t, err)
	keep := f.add(t, "sk_live_two")

	f.clock.Advance(2 * time.Hour)
	n, err := f.alloc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, _ := f.alloc.Lookup(keep)
	assert.Equal(t, domain.StatusActive, rec.Status)
}

func TestAllocator_RateLimitAcrossSecrets(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	for i := range 3 {
		f.add(t, fmt.Sprintf("sk_live_%03d", i))
	}

	perSecret := map[string]int{}
	granted := 0
	for range 35 {
		got, ok, err := f.alloc.Allocate(ctx, "")
		require.NoError(t, err)
		if ok {
			granted++
			perSecret[got.SecretID]++
		}
	}
	assert.Equal(t, 30, granted)
	for id, n := range perSecret {
		assert.Equal(t, 10, n, id)
	}

	f.clock.Advance(time.Minute)
	_, ok, err := f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	assert.True(t, ok, "capacity returns in the next window")
}

func TestAllocator_PrefersLeastUsed(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := f.add(t, "sk_live_aaa")
	f.clock.Advance(time.Second)
	b := f.add(t, "sk_live_bbb")

	first, ok, err := f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, first.SecretID, "ties go to the most recently updated")

	second, ok, err := f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, second.SecretID, "the less used secret wins")
}

func TestAllocator_OwnerFilter(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	mine, err := f.alloc.AddSecret(ctx, domain.AddSecretRequest{Secret: "sk_live_mine", OwnerRef: "user-1"})
	require.NoError(t, err)
	f.add(t, "sk_live_other")

	for range 3 {
		got, ok, err := f.alloc.Allocate(ctx, "user-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, mine, got.SecretID)
	}

	_, ok, err := f.alloc.Allocate(ctx, "user-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllocator_SampleSizeBoundsCandidates(t *testing.T) {
	f := newFixture(t, func(c *configuration.Config) {
		c.AllocationSampleSize = 2
		c.Tiers.Basic.RateCapacity = 1
	}, nil)
	ctx := context.Background()
	for i := range 4 {
		f.add(t, fmt.Sprintf("sk_live_%03d", i))
	}

	granted := 0
	for range 4 {
		_, ok, err := f.alloc.Allocate(ctx, "")
		require.NoError(t, err)
		if ok {
			granted++
		}
	}
	// Each call picks among the two least-used secrets; used secrets sort last.
	assert.Equal(t, 4, granted)

	_, ok, err := f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllocator_SuccessResetsAuthFailures(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.add(t, "sk_live_abc")

	f.alloc.RecordUsage(ctx, id, domain.UsageSample{StatusCode: 401})
	f.alloc.RecordUsage(ctx, id, domain.UsageSample{StatusCode: 403})
	f.alloc.RecordUsage(ctx, id, domain.UsageSample{StatusCode: 200})
	f.alloc.RecordUsage(ctx, id, domain.UsageSample{StatusCode: 401})
	f.alloc.RecordUsage(ctx, id, domain.UsageSample{StatusCode: 500})

	rec, _ := f.alloc.Lookup(id)
	assert.Equal(t, domain.StatusActive, rec.Status)
	assert.Equal(t, int64(1), rec.SuccessCount)
	assert.Equal(t, int64(4), rec.FailureCount)

	f.alloc.RecordUsage(ctx, id, domain.UsageSample{StatusCode: 401})
	rec, _ = f.alloc.Lookup(id)
	assert.Equal(t, domain.StatusActive, rec.Status)

	f.alloc.RecordUsage(ctx, id, domain.UsageSample{StatusCode: 401})
	rec, _ = f.alloc.Lookup(id)
	assert.Equal(t, domain.StatusInvalid, rec.Status, "a 5xx does not break the auth failure streak")
}

type captureUsage struct {
	mu      sync.Mutex
	samples []domain.UsageSample
}

func (c *captureUsage) Record(s domain.UsageSample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func TestAllocator_RecordUsageForwardsSamples(t *testing.T) {
	f := newFixture(t, nil, nil)
	sink := &captureUsage{}
	f.alloc.usage = sink
	id := f.add(t, "sk_live_abc")

	f.alloc.RecordUsage(context.Background(), id, domain.UsageSample{Endpoint: "/v1/generate", StatusCode: 200, LatencyMs: 120})
	f.alloc.RecordUsage(context.Background(), "unknown", domain.UsageSample{StatusCode: 200})

	require.Len(t, sink.samples, 2)
	assert.Equal(t, id, sink.samples[0].SecretID)
	assert.True(t, t0.Equal(sink.samples[0].Timestamp))
}

func TestAllocator_BulkAdd(t *testing.T) {
	f := newFixture(t, nil, nil)
	existing := f.add(t, "sk_live_existing")

	results := f.alloc.AddSecrets(context.Background(), []domain.AddSecretRequest{
		{Secret: "sk_live_new_one"},
		{Secret: "bad"},
		{Secret: "sk_live_new_one"},
		{Secret: "sk_live_existing"},
		{Secret: "sk_live_new_two", Tier: domain.TierElevated},
	})
	require.Len(t, results, 5)

	assert.True(t, results[0].OK())
	assert.True(t, poolerrors.IsValidation(results[1].Err))

	var dup *poolerrors.DuplicateError
	require.True(t, errors.As(results[2].Err, &dup))
	assert.Equal(t, results[0].ID, dup.ExistingID)

	require.True(t, errors.As(results[3].Err, &dup))
	assert.Equal(t, existing, dup.ExistingID)

	assert.True(t, results[4].OK())
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Len(t, r.Fingerprint, 12)
	}
	assert.Len(t, f.alloc.Snapshot(), 3)
}

func TestAllocator_BulkAddRetriesRepeatOfFailedItem(t *testing.T) {
	var calls atomic.Int64
	prober := upstream.ProbeFunc(func(context.Context, string) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("probe: %w", context.DeadlineExceeded)
		}
		return nil
	})
	f := newFixture(t, nil, prober)

	results := f.alloc.AddSecrets(context.Background(), []domain.AddSecretRequest{
		{Secret: "sk_live_flaky"},
		{Secret: "sk_live_flaky"},
		{Secret: "sk_live_flaky"},
	})
	require.Len(t, results, 3)

	require.Error(t, results[0].Err)
	var dup *poolerrors.DuplicateError
	assert.False(t, errors.As(results[0].Err, &dup))
	require.True(t, results[1].OK(), "repeat of a failed item is attempted")

	require.True(t, errors.As(results[2].Err, &dup))
	assert.Equal(t, results[1].ID, dup.ExistingID)
	assert.Len(t, f.alloc.Snapshot(), 1)
	assert.Equal(t, int64(2), calls.Load())
}

func TestAllocator_ReloadFromStore(t *testing.T) {
	f := newFixture(t, nil, nil)
	id := f.add(t, "sk_live_abc")

	fresh, err := New(f.cfg, Deps{
		Store:   f.store,
		Vault:   f.vault,
		Limiter: ratelimit.NewLocalLimiter(f.clock),
		Prober:  acceptAll(f.probes),
		Clock:   f.clock,
	})
	require.NoError(t, err)
	assert.Empty(t, fresh.Snapshot())

	require.NoError(t, fresh.Reload(context.Background()))
	got, ok, err := fresh.Allocate(context.Background(), "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got.SecretID)
	assert.Equal(t, "sk_live_abc", got.Secret)
}

func TestAllocator_ConcurrentAllocateRespectsCapacity(t *testing.T) {
	f := newFixture(t, func(c *configuration.Config) {
		c.Tiers.Basic.RateCapacity = 50
	}, nil)
	id := f.add(t, "sk_live_abc")

	var (
		granted atomic.Int64
		wg      sync.WaitGroup
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := f.alloc.Allocate(context.Background(), ""); err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), granted.Load())
	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(50), rec.UsageCount)
}

func TestAllocator_EventsForLifecycle(t *testing.T) {
	f := newFixture(t, func(c *configuration.Config) {
		c.Tiers.Basic.RateCapacity = 1
	}, nil)
	ctx := context.Background()
	sub, cancel := f.bus.Subscribe(32)
	defer cancel()

	id := f.add(t, "sk_live_abc")
	_, _, _ = f.alloc.Allocate(ctx, "")
	_, _, _ = f.alloc.Allocate(ctx, "")
	require.NoError(t, f.alloc.MarkInvalid(ctx, id, "health check failed"))
	require.NoError(t, f.alloc.MarkInvalid(ctx, id, "again"))
	_, err := f.alloc.RetireSecret(ctx, id)
	require.NoError(t, err)

	var got []events.Type
	for len(sub) > 0 {
		e := <-sub
		got = append(got, e.Type)
		if e.SecretID != "" {
			assert.Equal(t, id, e.SecretID)
			assert.Len(t, e.Fingerprint, 12)
		}
	}
	assert.Equal(t, []events.Type{
		events.SecretAdded,
		events.SecretAllocationDenied,
		events.SecretInvalidated,
		events.SecretRetired,
	}, got)
}

func TestAllocator_MarkInvalidRules(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.add(t, "sk_live_abc")

	_, err := f.alloc.RetireSecret(ctx, id)
	require.NoError(t, err)
	assert.ErrorIs(t, f.alloc.MarkInvalid(ctx, id, "late"), poolerrors.ErrSecretRetired)
	assert.ErrorIs(t, f.alloc.MarkInvalid(ctx, "missing", "x"), poolerrors.ErrSecretNotFound)
}

func TestAllocator_ResetUsageAndOpenSecret(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.add(t, "sk_live_abc")
	for range 3 {
		_, ok, err := f.alloc.Allocate(ctx, "")
		require.NoError(t, err)
		require.True(t, ok)
	}
	rec, _ := f.alloc.Lookup(id)
	assert.Equal(t, int64(3), rec.UsageCount)

	require.NoError(t, f.alloc.ResetUsage(ctx, []string{id}))
	rec, _ = f.alloc.Lookup(id)
	assert.Zero(t, rec.UsageCount)

	raw, err := f.alloc.OpenSecret(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_abc", raw)

	require.NoError(t, f.alloc.MarkInvalid(ctx, id, "probe"))
	_, err = f.alloc.OpenSecret(ctx, id)
	assert.Error(t, err)
	_, err = f.alloc.OpenSecret(ctx, "missing")
	assert.ErrorIs(t, err, poolerrors.ErrSecretNotFound)
}

func TestAllocation_LogValueHidesSecret(t *testing.T) {
	a := Allocation{SecretID: "id-1", Secret: "sk_live_abc", Tier: domain.TierBasic}
	assert.NotContains(t, a.LogValue().String(), "sk_live_abc")
}

func TestAllocator_AuthFailureDoesNotPromoteSecret(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	first := f.add(t, "sk_live_first")
	f.clock.Advance(time.Second)
	second := f.add(t, "sk_live_second")

	f.clock.Advance(time.Second)
	got, ok, err := f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, got.SecretID, "newest update wins among equal usage")

	f.clock.Advance(time.Second)
	got, ok, err = f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, got.SecretID)

	// Both used once; first carries the newer update. A 401 on second must
	// not move it ahead.
	f.clock.Advance(time.Second)
	f.alloc.RecordUsage(ctx, second, domain.UsageSample{StatusCode: http.StatusUnauthorized})

	got, ok, err = f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got.SecretID)
}

func TestAllocator_InvalidSecretLeavesLimiter(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.add(t, "sk_live_abc")

	_, err := f.store.UpdateStatus(ctx, id, domain.StatusInvalid, "revoked elsewhere", f.clock.Now())
	require.NoError(t, err)

	_, ok, err := f.alloc.Allocate(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, known := f.alloc.Lookup(id)
	require.True(t, known)
	assert.Equal(t, domain.StatusInvalid, rec.Status)
	assert.False(t, f.alloc.limiter.Admit(ctx, id), "invalid secret keeps no rate window")
}
