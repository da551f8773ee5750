package optimizer

import (
	"context"
	"fmt"
	"math"

	"github.com/ahrav/keypool/internal/domain"
)

// Priority ranks a recommendation. Only High items are executed by Rebalance.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Recommendation is one suggested pool action.
type Recommendation struct {
	Priority Priority `json:"priority"`
	Action   string   `json:"action"`
	Message  string   `json:"message"`
}

func (r Recommendation) String() string {
	return fmt.Sprintf("[%s] %s", r.Priority, r.Message)
}

// Action names shared by recommendations, the action log, and metrics.
const (
	ActionAddSecrets    = "add_secrets"
	ActionRetireInvalid = "retire_invalid"
	ActionRetireExpired = "retire_expired"
	ActionRetireExcess  = "retire_excess"
	ActionRotate        = "rotate"
	ActionInvestigate   = "investigate_failures"
	ActionReduceLatency = "reduce_latency"
	ActionBalanceTiers  = "balance_tiers"
)

// Analysis is a point-in-time view of the pool.
type Analysis struct {
	Total    int                 `json:"total"`
	Active   int                 `json:"active"`
	Invalid  int                 `json:"invalid"`
	Retired  int                 `json:"retired"`
	Expired  int                 `json:"expired"`
	Healthy  int                 `json:"healthy"`
	ByTier   map[domain.Tier]int `json:"by_tier"`
	AvgUsage float64             `json:"avg_usage"`

	TotalRequests int64   `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	// Efficiency is 0.7*successRate + 0.3*latencyScore over the last hour,
	// or 1 when there were no requests.
	Efficiency float64 `json:"efficiency"`

	Recommendations []Recommendation `json:"recommendations"`
}

// Analyze computes pool counts, recent usage quality, and ranked
// recommendations. Usage query failures degrade to an empty usage view.
func (o *Optimizer) Analyze(ctx context.Context) Analysis {
	now := o.clock.Now()
	a := Analysis{ByTier: make(map[domain.Tier]int, 3)}

	var usageTotal int64
	for _, rec := range o.pool.Snapshot() {
		if rec.Status == domain.StatusRetired {
			a.Retired++
			continue
		}
		a.Total++
		switch rec.Status {
		case domain.StatusActive:
			a.Active++
			a.ByTier[rec.Tier]++
			usageTotal += rec.UsageCount
			if rec.Expired(now) {
				a.Expired++
			} else {
				a.Healthy++
			}
		case domain.StatusInvalid:
			a.Invalid++
		}
	}
	if a.Active > 0 {
		a.AvgUsage = float64(usageTotal) / float64(a.Active)
	}

	a.Efficiency = 1
	if o.usage != nil {
		s, err := o.usage.Summary(ctx, now.Add(-efficiencyWindow), now)
		if err != nil {
			o.logger.Warn("usage summary unavailable", "error", err)
		} else if s.TotalRequests > 0 {
			a.TotalRequests = s.TotalRequests
			a.SuccessRate = s.SuccessRate
			a.AvgLatencyMs = s.AvgLatencyMs
			a.Efficiency = efficiency(s.SuccessRate, s.AvgLatencyMs)
		}
	}

	a.Recommendations = o.recommend(a)
	return a
}

func efficiency(successRate, avgLatencyMs float64) float64 {
	latencyScore := math.Max(0, math.Min(1, 1-avgLatencyMs/5000))
	return 0.7*successRate + 0.3*latencyScore
}

func (o *Optimizer) recommend(a Analysis) []Recommendation {
	var out []Recommendation
	if a.Healthy < o.minSize {
		out = append(out, Recommendation{
			Priority: PriorityHigh,
			Action:   ActionAddSecrets,
			Message:  fmt.Sprintf("pool has %d healthy secrets, below minimum %d: add %d", a.Healthy, o.minSize, o.minSize-a.Healthy),
		})
	}
	if a.Healthy > o.maxSize {
		out = append(out, Recommendation{
			Priority: PriorityHigh,
			Action:   ActionRetireExcess,
			Message:  fmt.Sprintf("pool has %d healthy secrets, above maximum %d: retire %d", a.Healthy, o.maxSize, a.Healthy-o.maxSize),
		})
	}
	if a.Invalid > 0 {
		out = append(out, Recommendation{
			Priority: PriorityHigh,
			Action:   ActionRetireInvalid,
			Message:  fmt.Sprintf("%d invalid secrets awaiting retirement", a.Invalid),
		})
	}
	if a.Expired > 0 {
		out = append(out, Recommendation{
			Priority: PriorityHigh,
			Action:   ActionRetireExpired,
			Message:  fmt.Sprintf("%d secrets past their expiry", a.Expired),
		})
	}
	if a.TotalRequests > 0 && a.SuccessRate < 0.9 {
		out = append(out, Recommendation{
			Priority: PriorityMedium,
			Action:   ActionInvestigate,
			Message:  fmt.Sprintf("success rate %.1f%% over the last hour", a.SuccessRate*100),
		})
	}
	if a.TotalRequests > 0 && a.AvgLatencyMs > 2000 {
		out = append(out, Recommendation{
			Priority: PriorityMedium,
			Action:   ActionReduceLatency,
			Message:  fmt.Sprintf("average upstream latency %.0fms", a.AvgLatencyMs),
		})
	}
	if a.Efficiency < 0.7 {
		out = append(out, Recommendation{
			Priority: PriorityLow,
			Action:   ActionRotate,
			Message:  fmt.Sprintf("rotation efficiency %.2f: consider a rotation pass", a.Efficiency),
		})
	}
	if a.Active >= 4 && a.ByTier[domain.TierBasic]*4 > a.Active*3 {
		out = append(out, Recommendation{
			Priority: PriorityLow,
			Action:   ActionBalanceTiers,
			Message:  "most of the pool is basic tier; elevated secrets would add headroom",
		})
	}
	return out
}
