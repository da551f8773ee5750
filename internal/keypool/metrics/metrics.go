// Package metrics provides Prometheus instrumentation for the credential pool.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahrav/keypool/internal/domain"
)

const namespace = "keypool"

// Allocation results.
const (
	AllocationGranted   = "granted"
	AllocationExhausted = "exhausted"
	AllocationError     = "error"
	// AllocationStale counts limiter units spent on a candidate that left
	// the Active state before its usage was recorded.
	AllocationStale = "stale"
)

// Metrics holds every pool collector.
type Metrics struct {
	registry *prometheus.Registry

	allocations      *prometheus.CounterVec
	secrets          *prometheus.GaugeVec
	healthChecks     *prometheus.CounterVec
	rebalanceActions *prometheus.CounterVec
	usageFlushes     *prometheus.CounterVec
	usageDropped     prometheus.Counter
	eventsDropped    prometheus.Counter
	probeLatency     prometheus.Histogram
}

// New registers the pool collectors on reg. A nil reg creates a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		allocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Allocation attempts by result.",
		}, []string{"result"}), // granted, exhausted, error
		secrets: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "secrets",
			Help:      "Secrets in the pool by status.",
		}, []string{"status"}),
		healthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Background liveness probes by result.",
		}, []string{"result"}),
		rebalanceActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_actions_total",
			Help:      "Optimizer actions executed by kind.",
		}, []string{"action"}),
		usageFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_flush_total",
			Help:      "Usage sample batch flushes by result.",
		}, []string{"result"}),
		usageDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_samples_dropped_total",
			Help:      "Usage samples discarded after a failed flush or buffer overflow.",
		}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Lifecycle events dropped because a subscriber was full.",
		}),
		probeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Upstream liveness probe latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// Registry returns the backing registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Allocation counts one allocation attempt.
func (m *Metrics) Allocation(result string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result).Inc()
}

// SetSecretCounts replaces the per-status gauges.
func (m *Metrics) SetSecretCounts(counts map[domain.Status]int) {
	if m == nil {
		return
	}
	for _, st := range []domain.Status{domain.StatusActive, domain.StatusInvalid, domain.StatusRetired} {
		m.secrets.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// HealthCheck counts one probe and observes its latency.
func (m *Metrics) HealthCheck(passed bool, seconds float64) {
	if m == nil {
		return
	}
	result := "passed"
	if !passed {
		result = "failed"
	}
	m.healthChecks.WithLabelValues(result).Inc()
	m.probeLatency.Observe(seconds)
}

// RebalanceAction counts one executed optimizer action.
func (m *Metrics) RebalanceAction(action string) {
	if m == nil {
		return
	}
	m.rebalanceActions.WithLabelValues(action).Inc()
}

// UsageFlush counts one batch flush attempt.
func (m *Metrics) UsageFlush(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.usageFlushes.WithLabelValues(result).Inc()
}

// UsageDropped counts discarded samples.
func (m *Metrics) UsageDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.usageDropped.Add(float64(n))
}

// EventDropped counts one dropped event delivery.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// RegisterDegradedGauge exposes a limiter's degraded flag as 0 or 1.
func (m *Metrics) RegisterDegradedGauge(degraded func() bool) {
	if m == nil || degraded == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ratelimit_degraded",
		Help:      "1 when the shared rate limiter has fallen back to local counters.",
	}, func() float64 {
		if degraded() {
			return 1
		}
		return 0
	})
}
