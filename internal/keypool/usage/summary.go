package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/keypool/internal/domain"
)

// Summary aggregates usage over a timeframe.
type Summary struct {
	Since           time.Time `json:"since"`
	Until           time.Time `json:"until"`
	TotalRequests   int64     `json:"total_requests"`
	Successes       int64     `json:"successes"`
	SuccessRate     float64   `json:"success_rate"` // 0 when there are no requests
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	PeakPerMinute   int64     `json:"peak_per_minute"`
	DistinctSecrets int       `json:"distinct_secrets"`
}

// Summary reports usage in [since, until), combining persisted and buffered
// samples. A zero until means now.
func (r *Recorder) Summary(ctx context.Context, since, until time.Time) (Summary, error) {
	if until.IsZero() {
		until = r.clock.Now()
	}
	if until.Before(since) {
		return Summary{}, fmt.Errorf("invalid timeframe: until %s before since %s", until, since)
	}

	stored, err := r.store.QuerySamples(ctx, since, until)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to query usage samples: %w", err)
	}
	samples := append(stored, r.buffered(since, until)...)

	s := Summarize(samples)
	s.Since, s.Until = since, until
	return s, nil
}

// Summarize aggregates samples without regard to timeframe.
func Summarize(samples []domain.UsageSample) Summary {
	var (
		s        Summary
		latency  int64
		perMin   = make(map[int64]int64)
		distinct = make(map[string]struct{})
	)
	for _, smp := range samples {
		s.TotalRequests++
		if smp.Succeeded() {
			s.Successes++
		}
		latency += smp.LatencyMs
		distinct[smp.SecretID] = struct{}{}

		minute := smp.Timestamp.Unix() / 60
		perMin[minute]++
		s.PeakPerMinute = max(s.PeakPerMinute, perMin[minute])
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.TotalRequests)
		s.AvgLatencyMs = float64(latency) / float64(s.TotalRequests)
	}
	s.DistinctSecrets = len(distinct)
	return s
}
