// Package health periodically re-validates a sample of Active secrets
// against the upstream and demotes the ones that fail.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/ahrav/keypool/internal/domain"
	"github.com/ahrav/keypool/internal/keypool/configuration"
	poolerrors "github.com/ahrav/keypool/internal/keypool/errors"
	"github.com/ahrav/keypool/internal/keypool/metrics"
	"github.com/ahrav/keypool/internal/keypool/upstream"
)

// Target is the slice of the allocator the checker needs.
type Target interface {
	Snapshot() []domain.SecretRecord
	OpenSecret(ctx context.Context, id string) (string, error)
	MarkInvalid(ctx context.Context, id, reason string) error
}

// Report summarizes one check pass.
type Report struct {
	Checked  int           `json:"checked"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

type checkResult struct {
	at     time.Time
	passed bool
}

// Checker samples Active secrets and probes them upstream.
type Checker struct {
	target     Target
	prober     upstream.Prober
	pacer      *rate.Limiter
	sampleSize int
	interval   time.Duration
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	results map[string]checkResult
	last    Report

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// New creates a checker. Probes are paced at cfg.Health.ProbesPerSecond and
// passes run every cfg.HealthCheckInterval once started.
func New(
	cfg *configuration.Config,
	target Target,
	prober upstream.Prober,
	clock clockwork.Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Checker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.Health.ProbesPerSecond > 0 {
		limit = rate.Limit(cfg.Health.ProbesPerSecond)
	}
	sampleSize := cfg.Health.SampleSize
	if sampleSize <= 0 {
		sampleSize = configuration.DefaultHealthSampleSize
	}
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = configuration.DefaultHealthCheckInterval
	}

	return &Checker{
		target:     target,
		prober:     prober,
		pacer:      rate.NewLimiter(limit, 1),
		sampleSize: sampleSize,
		interval:   interval,
		clock:      clock,
		metrics:    m,
		logger:     logger.With("component", "health_checker"),
		results:    make(map[string]checkResult),
	}
}

// CheckOnce probes up to the sample size of Active secrets, least recently
// checked first. A failed probe of any kind demotes the secret to Invalid.
// Success never changes status.
func (c *Checker) CheckOnce(ctx context.Context) Report {
	start := c.clock.Now()
	snapshot := c.target.Snapshot()
	sample := c.pick(snapshot, start)

	report := Report{At: start}
	for _, rec := range sample {
		if err := c.pacer.Wait(ctx); err != nil {
			c.logger.Debug("health pass interrupted", "error", err)
			break
		}

		passed, ok := c.check(ctx, rec)
		if !ok {
			report.Skipped++
			continue
		}
		report.Checked++
		if passed {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	report.Duration = c.clock.Since(start)

	c.mu.Lock()
	live := make(map[string]struct{}, len(snapshot))
	for _, rec := range snapshot {
		live[rec.ID] = struct{}{}
	}
	for id := range c.results {
		if _, ok := live[id]; !ok {
			delete(c.results, id)
		}
	}
	c.last = report
	c.mu.Unlock()

	c.logger.Info("health pass finished",
		"checked", report.Checked,
		"passed", report.Passed,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"duration", report.Duration)
	return report
}

// check probes one record. ok is false when the record could not be probed
// because it left the Active state since the snapshot or the pass itself was
// canceled mid-probe.
func (c *Checker) check(ctx context.Context, rec domain.SecretRecord) (passed, ok bool) {
	raw, err := c.target.OpenSecret(ctx, rec.ID)
	if err != nil {
		if !errors.Is(err, poolerrors.ErrVaultOpen) {
			return false, false
		}
		c.fail(ctx, rec, "vault open failed", 0)
		return false, true
	}

	began := c.clock.Now()
	err = c.prober.Probe(ctx, raw)
	elapsed := c.clock.Since(began)

	if err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("probe abandoned", "secret", rec, "error", err)
			return false, false
		}
		c.fail(ctx, rec, fmt.Sprintf("health check failed: %s", poolerrors.Classify(err)), elapsed)
		return false, true
	}

	c.record(rec.ID, true)
	c.metrics.HealthCheck(true, elapsed.Seconds())
	return true, true
}

func (c *Checker) fail(ctx context.Context, rec domain.SecretRecord, reason string, elapsed time.Duration) {
	c.record(rec.ID, false)
	c.metrics.HealthCheck(false, elapsed.Seconds())
	if err := c.target.MarkInvalid(ctx, rec.ID, reason); err != nil {
		c.logger.Warn("failed to demote secret", "secret", rec, "error", err)
		return
	}
	c.logger.Warn("secret failed health check", "secret", rec, "reason", reason)
}

func (c *Checker) record(id string, passed bool) {
	c.mu.Lock()
	c.results[id] = checkResult{at: c.clock.Now(), passed: passed}
	c.mu.Unlock()
}

// pick orders allocatable records by last check time, never-checked first,
// and returns at most sampleSize of them.
func (c *Checker) pick(snapshot []domain.SecretRecord, now time.Time) []domain.SecretRecord {
	c.mu.Lock()
	lastAt := make(map[string]time.Time, len(c.results))
	for id, r := range c.results {
		lastAt[id] = r.at
	}
	c.mu.Unlock()

	var out []domain.SecretRecord
	for _, rec := range snapshot {
		if rec.Allocatable(now) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(x, y domain.SecretRecord) int {
		if cmp := lastAt[x.ID].Compare(lastAt[y.ID]); cmp != 0 {
			return cmp
		}
		if cmp := x.CreatedAt.Compare(y.CreatedAt); cmp != 0 {
			return cmp
		}
		return strings.Compare(x.ID, y.ID)
	})
	if len(out) > c.sampleSize {
		out = out[:c.sampleSize]
	}
	return out
}

// Healthy reports whether at least one Active secret passed its most recent
// check. The intake probe in AddSecret counts as a secret's first check.
func (c *Checker) Healthy() bool {
	now := c.clock.Now()
	snapshot := c.target.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range snapshot {
		if !rec.Allocatable(now) {
			continue
		}
		if r, ok := c.results[rec.ID]; !ok || r.passed {
			return true
		}
	}
	return false
}

// LastReport returns the most recent pass summary.
func (c *Checker) LastReport() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Start runs a check pass every interval until Stop is called.
func (c *Checker) Start() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ticker := c.clock.NewTicker(c.interval)

	c.done.Add(1)
	go c.loop(ctx, ticker)
	c.logger.Info("health checker started", "interval", c.interval, "sample_size", c.sampleSize)
}

// Stop cancels any in-flight pass and waits for the loop to exit.
func (c *Checker) Stop() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.cancel == nil {
		return
	}
	c.cancel()
	c.done.Wait()
	c.cancel = nil
	c.logger.Info("health checker stopped")
}

func (c *Checker) loop(ctx context.Context, ticker clockwork.Ticker) {
	defer c.done.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.CheckOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}
