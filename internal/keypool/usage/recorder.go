// Package usage batches usage samples into the pool store and answers
// analytics queries over them.
//
// Recording is best-effort telemetry: Record never blocks on I/O and flush
// failures are retried once, then dropped.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ahrav/keypool/internal/domain"
	"github.com/ahrav/keypool/internal/keypool/configuration"
	"github.com/ahrav/keypool/internal/keypool/metrics"
)

// SampleStore is the subset of the pool store the recorder needs.
type SampleStore interface {
	AppendSamples(ctx context.Context, samples []domain.UsageSample) error
	QuerySamples(ctx context.Context, since, until time.Time) ([]domain.UsageSample, error)
	PruneSamples(ctx context.Context, before time.Time) (int64, error)
}

// flushTimeout bounds a single AppendSamples call.
const flushTimeout = 10 * time.Second

// Recorder buffers samples and flushes them in batches.
type Recorder struct {
	store   SampleStore
	cfg     configuration.UsageConfig
	clock   clockwork.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu  sync.Mutex
	buf []domain.UsageSample

	flushMu sync.Mutex // serializes flushes
	kick    chan struct{}

	loopMu sync.Mutex
	stop   chan struct{}
	done   sync.WaitGroup
}

// NewRecorder creates a recorder. Zero config fields fall back to defaults.
func NewRecorder(store SampleStore, cfg configuration.UsageConfig, clock clockwork.Clock, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = configuration.DefaultUsageBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = configuration.DefaultUsageFlushInterval
	}
	if cfg.BufferLimit < cfg.BatchSize {
		cfg.BufferLimit = max(cfg.BatchSize, configuration.DefaultUsageBufferLimit)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		logger:  logger.With("component", "usage_recorder"),
		kick:    make(chan struct{}, 1),
	}
}

// Record buffers one sample. A full batch wakes the flush loop. When the
// buffer limit is reached the oldest samples are discarded.
func (r *Recorder) Record(sample domain.UsageSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.clock.Now()
	}

	r.mu.Lock()
	r.buf = append(r.buf, sample)
	var dropped int
	if over := len(r.buf) - r.cfg.BufferLimit; over > 0 {
		dropped = over
		r.buf = append(r.buf[:0:0], r.buf[over:]...)
	}
	full := len(r.buf) >= r.cfg.BatchSize
	r.mu.Unlock()

	if dropped > 0 {
		r.metrics.UsageDropped(dropped)
		r.logger.Warn("usage buffer full, oldest samples dropped", "dropped", dropped)
	}
	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered samples.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Flush persists every buffered sample in batches. A batch that fails twice
// is dropped and the last error returned.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	pending := r.buf
	r.buf = nil
	r.mu.Unlock()

	var lastErr error
	for start := 0; start < len(pending); start += r.cfg.BatchSize {
		batch := pending[start:min(start+r.cfg.BatchSize, len(pending))]
		if err := r.persist(ctx, batch); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (r *Recorder) persist(ctx context.Context, batch []domain.UsageSample) error {
	var err error
	for attempt := range 2 {
		fctx, cancel := context.WithTimeout(ctx, flushTimeout)
		err = r.store.AppendSamples(fctx, batch)
		cancel()
		if err == nil {
			r.metrics.UsageFlush(true)
			return nil
		}
		r.metrics.UsageFlush(false)
		if attempt == 0 {
			r.logger.Debug("usage flush failed, retrying", "batch", len(batch), "error", err)
		}
	}
	r.metrics.UsageDropped(len(batch))
	r.logger.Warn("usage flush failed twice, batch dropped", "batch", len(batch), "error", err)
	return err
}

// Prune deletes persisted samples older than the retention period.
func (r *Recorder) Prune(ctx context.Context) (int64, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	return r.store.PruneSamples(ctx, r.clock.Now().Add(-r.cfg.Retention))
}

// Start launches the flush loop. It is idempotent.
func (r *Recorder) Start() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	ticker := r.clock.NewTicker(r.cfg.FlushInterval)

	r.done.Add(1)
	go r.loop(ticker, r.stop)
	r.logger.Info("usage recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval)
}

// Stop terminates the loop after a final flush.
func (r *Recorder) Stop() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.stop == nil {
		return
	}
	close(r.stop)
	r.done.Wait()
	r.stop = nil
	r.logger.Info("usage recorder stopped")
}

func (r *Recorder) loop(ticker clockwork.Ticker, stop <-chan struct{}) {
	defer r.done.Done()
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-ticker.Chan():
			_ = r.Flush(ctx)
			if n, err := r.Prune(ctx); err != nil {
				r.logger.Warn("usage prune failed", "error", err)
			} else if n > 0 {
				r.logger.Debug("usage samples pruned", "removed", n)
			}
		case <-r.kick:
			_ = r.Flush(ctx)
		case <-stop:
			_ = r.Flush(ctx)
			return
		}
	}
}

// buffered returns a copy of buffered samples in [since, until).
func (r *Recorder) buffered(since, until time.Time) []domain.UsageSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.UsageSample
	for _, s := range r.buf {
		if s.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && !s.Timestamp.Before(until) {
			continue
		}
		out = append(out, s)
	}
	return out
}
