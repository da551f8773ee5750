// Package allocator owns the pool's read index and every operation that
// changes a secret's state.
//
// The store is authoritative. The index is a cache of store records that is
// refreshed from the store after each mutation, and only methods on Allocator
// touch it. Allocate reads cached status only and never waits on upstream I/O.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/ahrav/keypool/internal/domain"
	"github.com/ahrav/keypool/internal/keypool/configuration"
	"github.com/ahrav/keypool/internal/keypool/events"
	"github.com/ahrav/keypool/internal/keypool/metrics"
	"github.com/ahrav/keypool/internal/keypool/ratelimit"
	"github.com/ahrav/keypool/internal/keypool/store"
	"github.com/ahrav/keypool/internal/keypool/upstream"
)

// eventSource names the allocator on published events.
const eventSource = "allocator"

// Sealer seals raw secrets for storage and opens them for allocation.
type Sealer interface {
	Seal(id, raw string) ([]byte, error)
	Open(id string, blob []byte) (string, error)
}

// UsageSink receives usage samples for batched persistence.
type UsageSink interface {
	Record(sample domain.UsageSample)
}

// Deps are the collaborators an Allocator is built from. Store, Vault,
// Limiter and Prober are required.
type Deps struct {
	Store   store.Store
	Vault   Sealer
	Limiter ratelimit.Limiter
	Prober  upstream.Prober

	Usage   UsageSink
	Events  *events.Bus
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Allocator hands out pooled secrets and applies lifecycle changes.
type Allocator struct {
	tiers                configuration.TiersConfig
	sampleSize           int
	authFailureThreshold int

	store   store.Store
	vault   Sealer
	limiter ratelimit.Limiter
	prober  upstream.Prober
	usage   UsageSink
	bus     *events.Bus
	metrics *metrics.Metrics
	clock   clockwork.Clock
	logger  *slog.Logger

	mu    sync.RWMutex
	index map[string]domain.SecretRecord

	authMu       sync.Mutex
	authFailures map[string]int
}

// New creates an allocator with an empty index. Call Reload to populate it
// from an existing store.
func New(cfg *configuration.Config, deps Deps) (*Allocator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("allocator: configuration is required")
	}
	if deps.Store == nil || deps.Vault == nil || deps.Limiter == nil || deps.Prober == nil {
		return nil, fmt.Errorf("allocator: store, vault, limiter and prober are required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	sampleSize := cfg.AllocationSampleSize
	if sampleSize <= 0 {
		sampleSize = configuration.DefaultAllocationSampleSize
	}
	threshold := cfg.AuthFailureThreshold
	if threshold <= 0 {
		threshold = configuration.DefaultAuthFailureThreshold
	}

	return &Allocator{
		tiers:                cfg.Tiers,
		sampleSize:           sampleSize,
		authFailureThreshold: threshold,
		store:                deps.Store,
		vault:                deps.Vault,
		limiter:              deps.Limiter,
		prober:               deps.Prober,
		usage:                deps.Usage,
		bus:                  deps.Events,
		metrics:              deps.Metrics,
		clock:                deps.Clock,
		logger:               deps.Logger.With("component", "allocator"),
		index:                make(map[string]domain.SecretRecord),
		authFailures:         make(map[string]int),
	}, nil
}

// Reload rebuilds the index and limiter registrations from the store.
func (a *Allocator) Reload(ctx context.Context) error {
	records, err := a.store.List(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("failed to load pool: %w", err)
	}

	index := make(map[string]domain.SecretRecord, len(records))
	for _, rec := range records {
		index[rec.ID] = rec
		a.syncLimiter(rec)
	}

	a.mu.Lock()
	for id := range a.index {
		if _, ok := index[id]; !ok {
			a.limiter.Remove(id)
		}
	}
	a.index = index
	a.mu.Unlock()

	a.updateGauges()
	a.logger.Info("pool index loaded", "records", len(records))
	return nil
}

// Snapshot returns every indexed record ordered by creation time. Sealed
// blobs are stripped.
func (a *Allocator) Snapshot() []domain.SecretRecord {
	a.mu.RLock()
	out := make([]domain.SecretRecord, 0, len(a.index))
	for _, rec := range a.index {
		c := rec.Clone()
		c.Sealed = nil
		out = append(out, c)
	}
	a.mu.RUnlock()

	slices.SortFunc(out, func(x, y domain.SecretRecord) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	return out
}

// Lookup returns the indexed record for id without its sealed blob.
func (a *Allocator) Lookup(id string) (domain.SecretRecord, bool) {
	a.mu.RLock()
	rec, ok := a.index[id]
	a.mu.RUnlock()
	if !ok {
		return domain.SecretRecord{}, false
	}
	c := rec.Clone()
	c.Sealed = nil
	return c, true
}

// put replaces one index entry with a fresh store record.
func (a *Allocator) put(rec domain.SecretRecord) {
	a.mu.Lock()
	a.index[rec.ID] = rec
	a.mu.Unlock()
}

// refresh re-reads id from the store into the index.
func (a *Allocator) refresh(ctx context.Context, id string) {
	rec, err := a.store.Get(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			a.mu.Lock()
			delete(a.index, id)
			a.mu.Unlock()
			a.limiter.Remove(id)
			return
		}
		a.logger.Warn("index refresh failed", "secret_id", id, "error", err)
		return
	}
	a.put(rec)
	a.syncLimiter(rec)
}

// syncLimiter keeps limiter registrations in step with record status. Only
// Active secrets hold a window.
func (a *Allocator) syncLimiter(rec domain.SecretRecord) {
	if rec.Status != domain.StatusActive {
		a.limiter.Remove(rec.ID)
		return
	}
	a.limiter.Register(rec.ID, ratelimit.Quota{Capacity: rec.RateCapacity, Window: rec.RateWindow})
}

func (a *Allocator) updateGauges() {
	if a.metrics == nil {
		return
	}
	counts := make(map[domain.Status]int, 3)
	a.mu.RLock()
	for _, rec := range a.index {
		counts[rec.Status]++
	}
	a.mu.RUnlock()
	a.metrics.SetSecretCounts(counts)
}

func (a *Allocator) publish(e events.Event) {
	if a.bus != nil {
		a.bus.Publish(e)
	}
}
