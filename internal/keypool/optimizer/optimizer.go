// Package optimizer keeps the pool inside its size and health bounds.
//
// Each pass analyzes the pool, executes the high-priority actions (retiring
// expired, invalid and excess secrets, topping up from the reserve) and
// surfaces everything else as recommendations.
package optimizer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ahrav/keypool/internal/domain"
	"github.com/ahrav/keypool/internal/keypool/configuration"
	"github.com/ahrav/keypool/internal/keypool/events"
	"github.com/ahrav/keypool/internal/keypool/metrics"
	"github.com/ahrav/keypool/internal/keypool/usage"
)

// eventSource names the optimizer on published events.
const eventSource = "optimizer"

// efficiencyWindow is how far back Analyze looks at usage samples.
const efficiencyWindow = time.Hour

// Pool is the slice of the allocator the optimizer drives.
type Pool interface {
	Snapshot() []domain.SecretRecord
	AddSecret(ctx context.Context, req domain.AddSecretRequest) (string, error)
	RetireWithReason(ctx context.Context, id, reason string) (bool, error)
	SweepExpired(ctx context.Context) (int, error)
	ResetUsage(ctx context.Context, ids []string) error
}

// Source supplies reserve secrets for topping the pool up.
type Source interface {
	Next(ctx context.Context) (domain.AddSecretRequest, bool)
	Len() int
}

// Summarizer answers usage queries over a timeframe.
type Summarizer interface {
	Summary(ctx context.Context, since, until time.Time) (usage.Summary, error)
}

// HealthReporter reports whether any Active secret passed its latest check.
type HealthReporter interface {
	Healthy() bool
}

// Deps are the optimizer's collaborators. Only Pool is required.
type Deps struct {
	Pool    Pool
	Source  Source
	Usage   Summarizer
	Health  HealthReporter
	Events  *events.Bus
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Optimizer analyzes and rebalances the pool.
type Optimizer struct {
	minSize          int
	maxSize          int
	interval         time.Duration
	policy           configuration.ExcessPolicy
	rotationFraction float64

	pool    Pool
	source  Source
	usage   Summarizer
	health  HealthReporter
	bus     *events.Bus
	metrics *metrics.Metrics
	clock   clockwork.Clock
	logger  *slog.Logger

	// runMu serializes Rebalance and Rotate so concurrent callers never
	// retire or add against the same stale snapshot.
	runMu sync.Mutex

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// New creates an optimizer from the pool bounds in cfg.
func New(cfg *configuration.Config, deps Deps) *Optimizer {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	interval := cfg.RotationInterval
	if interval <= 0 {
		interval = configuration.DefaultRotationInterval
	}
	policy := cfg.ExcessPolicy
	if policy == "" {
		policy = configuration.ExcessHighestUsage
	}

	return &Optimizer{
		minSize:          cfg.MinPoolSize,
		maxSize:          cfg.MaxPoolSize,
		interval:         interval,
		policy:           policy,
		rotationFraction: cfg.RotationFraction,
		pool:             deps.Pool,
		source:           deps.Source,
		usage:            deps.Usage,
		health:           deps.Health,
		bus:              deps.Events,
		metrics:          deps.Metrics,
		clock:            deps.Clock,
		logger:           deps.Logger.With("component", "optimizer"),
	}
}

// Start runs Rebalance followed by Rotate every rotation interval until
// Stop is called. Failures are logged; the pool keeps serving.
func (o *Optimizer) Start() {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()

	if o.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	ticker := o.clock.NewTicker(o.interval)

	o.done.Add(1)
	go o.loop(ctx, ticker)
	o.logger.Info("optimizer started", "interval", o.interval)
}

// Stop cancels any in-flight pass and waits for the loop to exit.
func (o *Optimizer) Stop() {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()

	if o.cancel == nil {
		return
	}
	o.cancel()
	o.done.Wait()
	o.cancel = nil
	o.logger.Info("optimizer stopped")
}

func (o *Optimizer) loop(ctx context.Context, ticker clockwork.Ticker) {
	defer o.done.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			o.Rebalance(ctx)
			if _, err := o.Rotate(ctx); err != nil {
				o.logger.Warn("rotation pass failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (o *Optimizer) publish(e events.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}
