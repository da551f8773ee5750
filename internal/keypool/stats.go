package keypool

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/keypool/internal/domain"
)

// Stats is a point-in-time summary of the pool. Total excludes retired
// secrets. Healthy counts Active secrets that have not expired. Request
// figures cover every retained usage sample.
type Stats struct {
	Total         int     `json:"total"`
	Active        int     `json:"active"`
	Healthy       int     `json:"healthy"`
	Invalid       int     `json:"invalid"`
	Retired       int     `json:"retired"`
	Reserve       int     `json:"reserve"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	TotalRequests int64   `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
}

// PoolStats counts secrets by status and summarizes recorded usage.
func (p *Pool) PoolStats(ctx context.Context) (Stats, error) {
	now := p.clock.Now()
	var s Stats
	for _, rec := range p.allocator.Snapshot() {
		switch rec.Status {
		case domain.StatusActive:
			s.Active++
			if !rec.Expired(now) {
				s.Healthy++
			}
		case domain.StatusInvalid:
			s.Invalid++
		case domain.StatusRetired:
			s.Retired++
			continue
		}
		s.Total++
	}
	s.Reserve = p.reserve.Len()

	// The upper bound is exclusive; include samples stamped at now.
	summary, err := p.recorder.Summary(ctx, time.Time{}, now.Add(time.Nanosecond))
	if err != nil {
		return s, fmt.Errorf("failed to summarize usage: %w", err)
	}
	s.TotalRequests = summary.TotalRequests
	s.SuccessRate = summary.SuccessRate
	s.AvgLatencyMs = summary.AvgLatencyMs
	return s, nil
}
