package domain

import "time"

// UsageSample is one observed upstream call made with a pooled secret.
// Samples are append-only telemetry; the only decision drawn from them is
// the consecutive-authentication-failure demotion.
type UsageSample struct {
	SecretID   string    `json:"secret_id" validate:"required"`
	Endpoint   string    `json:"endpoint"`
	StatusCode int       `json:"status_code" validate:"min=0,max=999"`
	LatencyMs  int64     `json:"latency_ms" validate:"min=0"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// Succeeded reports whether the call completed with a 2xx or 3xx status
// and no transport error.
func (s UsageSample) Succeeded() bool {
	return s.Error == "" && s.StatusCode >= 200 && s.StatusCode < 400
}

// AuthFailure reports whether the upstream rejected the secret itself.
func (s UsageSample) AuthFailure() bool {
	return s.StatusCode == 401 || s.StatusCode == 403
}
