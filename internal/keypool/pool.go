// Package keypool manages a bounded pool of third-party API secrets.
//
// Architecture:
//   - Durable Pool Store is ground truth; the allocator keeps a read index
//     refreshed after every mutation
//   - Raw secrets are sealed by the vault before they reach storage
//   - Per-secret fixed-window rate limits, local or shared through Redis
//   - Background health checks demote failing secrets
//   - A background optimizer retires invalid, expired and excess secrets and
//     tops the pool up from a reserve of captured secrets
//   - Usage samples are batched for persistence and summarized on demand
//   - State changes are published as typed events on a channel bus
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahrav/keypool/internal/domain"
	"github.com/ahrav/keypool/internal/keypool/allocator"
	"github.com/ahrav/keypool/internal/keypool/configuration"
	"github.com/ahrav/keypool/internal/keypool/events"
	"github.com/ahrav/keypool/internal/keypool/health"
	"github.com/ahrav/keypool/internal/keypool/metrics"
	"github.com/ahrav/keypool/internal/keypool/optimizer"
	"github.com/ahrav/keypool/internal/keypool/ratelimit"
	"github.com/ahrav/keypool/internal/keypool/store"
	"github.com/ahrav/keypool/internal/keypool/upstream"
	"github.com/ahrav/keypool/internal/keypool/usage"
	"github.com/ahrav/keypool/internal/keypool/vault"
)

// Options supplies the pool's infrastructure. Store, Vault, Limiter and
// Prober are required; the rest default.
type Options struct {
	Store   store.Store
	Vault   allocator.Sealer
	Limiter ratelimit.Limiter
	Prober  upstream.Prober

	Registry        *prometheus.Registry
	ReserveCapacity int
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

// Pool is the public surface of the credential pool.
type Pool struct {
	cfg *configuration.Config

	store     store.Store
	limiter   ratelimit.Limiter
	allocator *allocator.Allocator
	recorder  *usage.Recorder
	checker   *health.Checker
	optimizer *optimizer.Optimizer
	reserve   *Reserve
	bus       *events.Bus
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	logger    *slog.Logger

	mu         sync.Mutex
	started    bool
	stopSink   context.CancelFunc
	sinkDone   sync.WaitGroup
	closeOnce  sync.Once
	closeError error
}

// New wires a pool over opts and loads the existing store contents into the
// allocator index. Background loops do not run until Start.
func New(ctx context.Context, cfg *configuration.Config, opts Options) (*Pool, error) {
	if cfg == nil {
		return nil, errors.New("keypool: configuration is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := metrics.New(opts.Registry)
	bus := events.NewBus(opts.Logger, m.EventDropped)
	recorder := usage.NewRecorder(opts.Store, cfg.Usage, opts.Clock, m, opts.Logger)

	alloc, err := allocator.New(cfg, allocator.Deps{
		Store:   opts.Store,
		Vault:   opts.Vault,
		Limiter: opts.Limiter,
		Prober:  opts.Prober,
		Usage:   recorder,
		Events:  bus,
		Metrics: m,
		Clock:   opts.Clock,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := alloc.Reload(ctx); err != nil {
		return nil, err
	}

	checker := health.New(cfg, alloc, opts.Prober, opts.Clock, m, opts.Logger)
	reserve := NewReserve(opts.ReserveCapacity)
	opt := optimizer.New(cfg, optimizer.Deps{
		Pool:    alloc,
		Source:  reserve,
		Usage:   recorder,
		Health:  checker,
		Events:  bus,
		Metrics: m,
		Clock:   opts.Clock,
		Logger:  opts.Logger,
	})

	if rl, ok := opts.Limiter.(*ratelimit.RedisLimiter); ok {
		m.RegisterDegradedGauge(rl.Degraded)
	}

	return &Pool{
		cfg:       cfg,
		store:     opts.Store,
		limiter:   opts.Limiter,
		allocator: alloc,
		recorder:  recorder,
		checker:   checker,
		optimizer: opt,
		reserve:   reserve,
		bus:       bus,
		metrics:   m,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "keypool"),
	}, nil
}

// Open builds the configured store, vault, limiter and HTTP prober and
// returns a pool over them. Close releases everything Open created.
func Open(ctx context.Context, cfg *configuration.Config, reg *prometheus.Registry, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Upstream.Endpoint == "" {
		return nil, errors.New("keypool: upstream endpoint is required for liveness checks")
	}

	v, err := vault.FromConfig(cfg.Vault, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build vault: %w", err)
	}

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	clock := clockwork.NewRealClock()
	limiter, err := ratelimit.FromConfig(cfg.RateLimit, clock, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	prober := upstream.NewHTTPProber(cfg.Upstream, &http.Client{Timeout: cfg.Upstream.Timeout}, logger)

	p, err := New(ctx, cfg, Options{
		Store:    st,
		Vault:    v,
		Limiter:  limiter,
		Prober:   prober,
		Registry: reg,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		_ = st.Close()
		if rl, ok := limiter.(*ratelimit.RedisLimiter); ok {
			_ = rl.Close()
		}
		return nil, err
	}
	return p, nil
}

func openStore(cfg configuration.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(logger), nil
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Start launches the usage flusher, health checker, optimizer, Redis
// recovery loop and the event log forwarder.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	p.recorder.Start()
	p.checker.Start()
	p.optimizer.Start()
	if rl, ok := p.limiter.(*ratelimit.RedisLimiter); ok {
		rl.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.stopSink = cancel
	sink := events.NewLogSink(p.logger)
	p.sinkDone.Add(1)
	go func() {
		defer p.sinkDone.Done()
		p.bus.Forward(ctx, sink, events.DefaultBuffer)
	}()

	p.logger.Info("pool started",
		"min_pool_size", p.cfg.MinPoolSize,
		"max_pool_size", p.cfg.MaxPoolSize,
		"store", p.cfg.Store.Driver,
		"rate_limit_backend", p.cfg.RateLimit.Backend)
}

// Stop halts background loops. Buffered usage is flushed by the recorder.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}
	p.optimizer.Stop()
	p.checker.Stop()
	p.recorder.Stop()
	if rl, ok := p.limiter.(*ratelimit.RedisLimiter); ok {
		rl.Stop()
	}
	p.stopSink()
	p.sinkDone.Wait()
	p.started = false
	p.logger.Info("pool stopped")
}

// Close stops the pool, flushes usage, and releases the store and limiter.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.Stop()
		var errs []error
		if err := p.recorder.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final usage flush: %w", err))
		}
		p.bus.Close()
		if rl, ok := p.limiter.(*ratelimit.RedisLimiter); ok {
			if err := rl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close rate limiter: %w", err))
			}
		}
		if err := p.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		p.closeError = errors.Join(errs...)
	})
	return p.closeError
}

// AddSecret validates, probes, seals and stores one raw secret.
func (p *Pool) AddSecret(ctx context.Context, req domain.AddSecretRequest) (string, error) {
	return p.allocator.AddSecret(ctx, req)
}

// AddSecrets is bulk ingestion with independent per-item results.
func (p *Pool) AddSecrets(ctx context.Context, reqs []domain.AddSecretRequest) []allocator.AddResult {
	return p.allocator.AddSecrets(ctx, reqs)
}

// Allocate returns a healthy, rate-compliant secret. ok is false when none is
// available right now; callers should treat that as backpressure.
func (p *Pool) Allocate(ctx context.Context, owner string) (allocator.Allocation, bool, error) {
	return p.allocator.Allocate(ctx, owner)
}

// RecordUsage records the outcome of one upstream call. It never fails.
func (p *Pool) RecordUsage(ctx context.Context, id string, sample domain.UsageSample) {
	p.allocator.RecordUsage(ctx, id, sample)
}

// RetireSecret permanently removes a secret. Retiring twice reports true.
func (p *Pool) RetireSecret(ctx context.Context, id string) (bool, error) {
	return p.allocator.RetireSecret(ctx, id)
}

// Capture queues secrets in the reserve for the optimizer to add when the
// pool runs low.
func (p *Pool) Capture(reqs ...domain.AddSecretRequest) (int, error) {
	return p.reserve.Push(reqs...)
}

// Rebalance executes the optimizer's high-priority actions now.
func (p *Pool) Rebalance(ctx context.Context) optimizer.RebalanceResult {
	return p.optimizer.Rebalance(ctx)
}

// Rotate runs one usage rotation pass now.
func (p *Pool) Rotate(ctx context.Context) (int, error) {
	return p.optimizer.Rotate(ctx)
}

// CheckHealth runs one health check pass now.
func (p *Pool) CheckHealth(ctx context.Context) health.Report {
	return p.checker.CheckOnce(ctx)
}

// PoolHealth scores the pool and lists issues and recommendations.
func (p *Pool) PoolHealth(ctx context.Context) optimizer.PoolHealth {
	return p.optimizer.Health(ctx)
}

// Analyze returns the optimizer's full view of the pool.
func (p *Pool) Analyze(ctx context.Context) optimizer.Analysis {
	return p.optimizer.Analyze(ctx)
}

// Usage summarizes recorded usage in [since, until).
func (p *Pool) Usage(ctx context.Context, since, until time.Time) (usage.Summary, error) {
	return p.recorder.Summary(ctx, since, until)
}

// Secrets lists every known record without sealed material.
func (p *Pool) Secrets() []domain.SecretRecord { return p.allocator.Snapshot() }

// Events subscribes to pool events.
func (p *Pool) Events(buffer int) (<-chan events.Event, func()) { return p.bus.Subscribe(buffer) }

// Metrics exposes the pool's collectors.
func (p *Pool) Metrics() *metrics.Metrics { return p.metrics }
