// Package upstream checks a raw secret against the third-party API it belongs to.
package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ahrav/keypool/internal/keypool/configuration"
	poolerrors "github.com/ahrav/keypool/internal/keypool/errors"
)

// Prober validates a raw secret against the upstream service.
// A nil error means the upstream accepted the secret. Probes fail closed:
// any transport failure or timeout is reported as an error.
type Prober interface {
	Probe(ctx context.Context, raw string) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context, raw string) error

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context, raw string) error { return f(ctx, raw) }

// maxDrain bounds how much of a probe response body is read before closing.
const maxDrain = 64 << 10

// HTTPProber performs one authenticated request per probe.
type HTTPProber struct {
	client     *http.Client
	endpoint   string
	method     string
	authHeader string
	authScheme string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewHTTPProber creates a prober for cfg. A nil client uses a default client.
func NewHTTPProber(cfg configuration.UpstreamConfig, client *http.Client, logger *slog.Logger) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = configuration.DefaultUpstreamTimeout
	}
	return &HTTPProber{
		client:     client,
		endpoint:   cfg.Endpoint,
		method:     method,
		authHeader: cfg.AuthHeader,
		authScheme: cfg.AuthScheme,
		timeout:    timeout,
		logger:     logger.With("component", "upstream_prober"),
	}
}

// Probe sends the secret to the configured endpoint. Non-2xx answers return
// an UpstreamError of type secret_rejected; everything else that prevents an
// answer returns upstream_unavailable.
func (p *HTTPProber) Probe(ctx context.Context, raw string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, p.method, p.endpoint, nil)
	if err != nil {
		return &poolerrors.UpstreamError{Type: poolerrors.ErrorTypeUpstreamUnavailable, Err: err}
	}
	req.Header.Set(p.authHeader, p.credential(raw))

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe transport failure", "error", redact(err.Error(), raw))
		return &poolerrors.UpstreamError{
			Type: poolerrors.ErrorTypeUpstreamUnavailable,
			Err:  fmt.Errorf("probe request failed: %s", redact(err.Error(), raw)),
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	p.logger.Debug("probe completed",
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds())

	if poolerrors.IsSuccessStatus(resp.StatusCode) {
		return nil
	}
	return &poolerrors.UpstreamError{Type: poolerrors.ErrorTypeSecretRejected, StatusCode: resp.StatusCode}
}

func (p *HTTPProber) credential(raw string) string {
	if p.authScheme == "" {
		return raw
	}
	return p.authScheme + " " + raw
}

// redact removes any echo of the secret from transport error text.
func redact(msg, raw string) string {
	if raw == "" {
		return msg
	}
	return strings.ReplaceAll(msg, raw, "[REDACTED]")
}
