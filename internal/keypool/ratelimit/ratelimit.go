// Package ratelimit enforces per-secret fixed-window request quotas.
//
// Each secret owns a counter for the current window, identified by
// floor(now / window). A request is admitted when an atomic increment of that
// counter stays within capacity, so no interleaving of concurrent callers can
// admit more than capacity requests in one window.
//
// Two implementations are provided. LocalLimiter keeps counters in process
// memory. RedisLimiter shares counters across pool instances through a Lua
// INCR script and degrades to a LocalLimiter when Redis is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ahrav/keypool/internal/keypool/configuration"
)

// Quota is the fixed-window allowance for one secret.
type Quota struct {
	Capacity int64
	Window   time.Duration
}

// Limiter admits or denies requests against per-secret quotas.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Register sets the quota for a secret, replacing any existing one.
	Register(id string, quota Quota)

	// Admit consumes one unit of the secret's current window. Unknown
	// secrets are never admitted.
	Admit(ctx context.Context, id string) bool

	// Remove forgets a secret's quota and counters.
	Remove(id string)
}

// FromConfig builds the configured limiter backend.
func FromConfig(cfg configuration.RateLimitConfig, clock clockwork.Clock, logger *slog.Logger) (Limiter, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalLimiter(clock), nil
	case "redis":
		client := NewRedisClient(cfg)
		return NewRedisLimiter(client, cfg, clock, logger), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

// windowIndex returns the fixed window containing now.
func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

// Ensure interface compliance.
var (
	_ Limiter = (*LocalLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)
