package optimizer

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/ahrav/keypool/internal/domain"
	"github.com/ahrav/keypool/internal/keypool/configuration"
	"github.com/ahrav/keypool/internal/keypool/events"
)

// RebalanceResult is the action log of one Rebalance call.
type RebalanceResult struct {
	Actions         []string `json:"actions"`
	Added           int      `json:"added"`
	Retired         int      `json:"retired"`
	Recommendations []string `json:"recommendations"`
}

// Rebalance executes the high-priority actions in order: retire expired,
// retire invalid, retire excess above the maximum, then top up toward the
// minimum from the reserve. It never grows the pool above the maximum and
// never retires below the minimum. Remaining recommendations are returned
// as text and not executed.
func (o *Optimizer) Rebalance(ctx context.Context) RebalanceResult {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	var res RebalanceResult
	logAction := func(action string, n int, msg string) {
		res.Actions = append(res.Actions, msg)
		for range n {
			o.metrics.RebalanceAction(action)
		}
	}

	n, err := o.pool.SweepExpired(ctx)
	if err != nil {
		o.logger.Warn("expired sweep incomplete", "retired", n, "error", err)
	}
	if n > 0 {
		res.Retired += n
		logAction(ActionRetireExpired, n, fmt.Sprintf("retired %d expired secrets", n))
	}

	if n := o.retireWhere(ctx, "invalid", func(r domain.SecretRecord) bool {
		return r.Status == domain.StatusInvalid
	}); n > 0 {
		res.Retired += n
		logAction(ActionRetireInvalid, n, fmt.Sprintf("retired %d invalid secrets", n))
	}

	if n := o.retireExcess(ctx); n > 0 {
		res.Retired += n
		logAction(ActionRetireExcess, n, fmt.Sprintf("retired %d excess secrets by %s", n, o.policy))
	}

	if n := o.topUp(ctx); n > 0 {
		res.Added += n
		logAction(ActionAddSecrets, n, fmt.Sprintf("added %d secrets from reserve", n))
	}

	for _, r := range o.Analyze(ctx).Recommendations {
		res.Recommendations = append(res.Recommendations, r.String())
	}

	if len(res.Actions) > 0 {
		o.publish(events.ForPool(events.PoolRebalanced, eventSource, strings.Join(res.Actions, "; "), o.clock.Now()))
	}
	o.logger.Info("rebalance finished",
		"added", res.Added,
		"retired", res.Retired,
		"recommendations", len(res.Recommendations))
	return res
}

func (o *Optimizer) retireWhere(ctx context.Context, reason string, match func(domain.SecretRecord) bool) int {
	var retired int
	for _, rec := range o.pool.Snapshot() {
		if !match(rec) {
			continue
		}
		if _, err := o.pool.RetireWithReason(ctx, rec.ID, reason); err != nil {
			o.logger.Warn("failed to retire secret", "secret", rec, "error", err)
			continue
		}
		retired++
	}
	return retired
}

func (o *Optimizer) allocatable() []domain.SecretRecord {
	now := o.clock.Now()
	var out []domain.SecretRecord
	for _, rec := range o.pool.Snapshot() {
		if rec.Allocatable(now) {
			out = append(out, rec)
		}
	}
	return out
}

func (o *Optimizer) retireExcess(ctx context.Context) int {
	active := o.allocatable()
	excess := len(active) - o.maxSize
	if excess <= 0 {
		return 0
	}

	slices.SortFunc(active, func(x, y domain.SecretRecord) int {
		c := cmp.Compare(y.UsageCount, x.UsageCount)
		if o.policy == configuration.ExcessLowestUsage {
			c = -c
		}
		if c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})

	var retired int
	for _, rec := range active {
		if retired == excess {
			break
		}
		if _, err := o.pool.RetireWithReason(ctx, rec.ID, "excess capacity"); err != nil {
			o.logger.Warn("failed to retire excess secret", "secret", rec, "error", err)
			continue
		}
		retired++
	}
	return retired
}

// topUp draws reserve secrets until the pool reaches the minimum or the
// reserve runs dry. Rejected reserve items are discarded.
func (o *Optimizer) topUp(ctx context.Context) int {
	if o.source == nil {
		return 0
	}
	have := len(o.allocatable())
	need := min(o.minSize, o.maxSize) - have
	if need <= 0 {
		return 0
	}

	var added int
	for added < need && ctx.Err() == nil {
		req, ok := o.source.Next(ctx)
		if !ok {
			break
		}
		if _, err := o.pool.AddSecret(ctx, req); err != nil {
			o.logger.Info("reserve secret rejected",
				"fingerprint", domain.ShortFingerprint(domain.Fingerprint(req.Secret)),
				"error", err)
			continue
		}
		added++
	}
	if added < need {
		o.logger.Warn("pool still below minimum after top up",
			"healthy", have+added,
			"min", o.minSize,
			"reserve", o.source.Len())
	}
	return added
}

// Rotate resets usage counters on the least recently used fraction of
// allocatable secrets and returns how many were reset.
func (o *Optimizer) Rotate(ctx context.Context) (int, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.rotationFraction <= 0 {
		return 0, nil
	}
	active := o.allocatable()
	if len(active) == 0 {
		return 0, nil
	}

	// Least recently used first; never-used secrets lead.
	slices.SortFunc(active, func(x, y domain.SecretRecord) int {
		switch {
		case x.LastUsedAt == nil && y.LastUsedAt != nil:
			return -1
		case x.LastUsedAt != nil && y.LastUsedAt == nil:
			return 1
		case x.LastUsedAt != nil:
			if c := x.LastUsedAt.Compare(*y.LastUsedAt); c != 0 {
				return c
			}
		}
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	n := int(math.Ceil(float64(len(active)) * o.rotationFraction))
	n = min(n, len(active))

	ids := make([]string, 0, n)
	for _, rec := range active[:n] {
		ids = append(ids, rec.ID)
	}
	if err := o.pool.ResetUsage(ctx, ids); err != nil {
		return 0, fmt.Errorf("rotation failed: %w", err)
	}
	for range n {
		o.metrics.RebalanceAction(ActionRotate)
	}
	o.logger.Info("usage counters rotated", "reset", n, "active", len(active))
	return n, nil
}

// Health states reported by PoolHealth.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// PoolHealth is the aggregate health view of the pool.
type PoolHealth struct {
	Status          string   `json:"status"`
	Score           float64  `json:"score"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// Health scores the pool from 0 to 100. A pool without allocatable secrets is
// always unhealthy.
func (o *Optimizer) Health(ctx context.Context) PoolHealth {
	a := o.Analyze(ctx)
	h := PoolHealth{Score: 100}

	penalize := func(points float64, issue string) {
		h.Score -= points
		h.Issues = append(h.Issues, issue)
	}

	if a.Healthy == 0 {
		penalize(100, "no active secrets in pool")
	}
	if a.Healthy > 0 && a.Healthy < o.minSize {
		penalize(30, fmt.Sprintf("pool below minimum size (%d < %d)", a.Healthy, o.minSize))
	}
	if a.Healthy > o.maxSize {
		penalize(10, fmt.Sprintf("pool above maximum size (%d > %d)", a.Healthy, o.maxSize))
	}
	if a.Invalid > 0 {
		penalize(math.Min(20, 5*float64(a.Invalid)), fmt.Sprintf("%d invalid secrets not yet retired", a.Invalid))
	}
	if a.Expired > 0 {
		penalize(10, fmt.Sprintf("%d expired secrets not yet retired", a.Expired))
	}
	if a.TotalRequests > 0 {
		switch {
		case a.SuccessRate < 0.5:
			penalize(30, fmt.Sprintf("success rate %.1f%%", a.SuccessRate*100))
		case a.SuccessRate < 0.9:
			penalize(15, fmt.Sprintf("success rate %.1f%%", a.SuccessRate*100))
		}
		if a.AvgLatencyMs > 2000 {
			penalize(10, fmt.Sprintf("average latency %.0fms", a.AvgLatencyMs))
		}
	}
	if a.Healthy > 0 && o.health != nil && !o.health.Healthy() {
		penalize(40, "no secret passed its most recent health check")
	}

	h.Score = math.Max(0, math.Min(100, h.Score))
	switch {
	case a.Healthy == 0:
		h.Status = StatusUnhealthy
	case h.Score >= 80:
		h.Status = StatusHealthy
	case h.Score >= 50:
		h.Status = StatusDegraded
	default:
		h.Status = StatusUnhealthy
	}
	for _, r := range a.Recommendations {
		h.Recommendations = append(h.Recommendations, r.String())
	}
	return h
}
