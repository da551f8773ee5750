package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/ahrav/keypool/internal/keypool/configuration"
)

// Redis configuration constants.
const (
	// RedisReadTimeout and RedisWriteTimeout bound each Redis round-trip.
	RedisReadTimeout  = 2 * time.Second
	RedisWriteTimeout = 2 * time.Second

	// RedisPoolSize sets the maximum number of connections in the Redis pool.
	RedisPoolSize = 10

	// RecoveryInterval is how often a degraded limiter pings Redis.
	RecoveryInterval = 10 * time.Second
)

// admitScript increments the window counter and arms its expiry on first use.
// The window index is part of the key, so the counter never needs resetting.
var admitScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// RedisLimiter shares fixed-window counters through Redis.
//
// Quotas are held locally; only counters live in Redis. When Redis returns a
// connectivity error the limiter enters degraded mode and admits against an
// in-process LocalLimiter until a background ping succeeds.
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	local    *LocalLimiter
	clock    clockwork.Clock
	degraded atomic.Bool
	logger   *slog.Logger

	mu     sync.Mutex
	ticker clockwork.Ticker
	stop   chan struct{}
	done   sync.WaitGroup
}

// NewRedisClient builds a pooled client from the rate limit settings.
func NewRedisClient(cfg configuration.RateLimitConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  RedisReadTimeout,
		WriteTimeout: RedisWriteTimeout,
		PoolSize:     RedisPoolSize,
	})
}

// NewRedisLimiter wraps client. An unreachable server starts the limiter in
// degraded mode rather than failing construction.
func NewRedisLimiter(client *redis.Client, cfg configuration.RateLimitConfig, clock clockwork.Clock, logger *slog.Logger) *RedisLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "keypool:rl"
	}

	r := &RedisLimiter{
		client: client,
		prefix: prefix,
		local:  NewLocalLimiter(clock),
		clock:  clock,
		logger: logger.With("component", "ratelimit", "backend", "redis"),
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = configuration.DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		r.logger.Warn("redis connection failed, using local-only rate limiting", "error", err)
		r.degraded.Store(true)
	}
	return r
}

// Register records the quota locally; Redis holds only counters.
func (r *RedisLimiter) Register(id string, quota Quota) { r.local.Register(id, quota) }

// Remove forgets id. Its Redis counters expire on their own.
func (r *RedisLimiter) Remove(id string) { r.local.Remove(id) }

// Degraded reports whether the limiter is running on local counters.
func (r *RedisLimiter) Degraded() bool { return r.degraded.Load() }

// Admit increments id's shared window counter.
func (r *RedisLimiter) Admit(ctx context.Context, id string) bool {
	quota, ok := r.local.Quota(id)
	if !ok || quota.Capacity <= 0 || quota.Window <= 0 {
		return false
	}
	if r.degraded.Load() {
		return r.local.Admit(ctx, id)
	}

	idx := windowIndex(r.clock.Now(), quota.Window)
	key := fmt.Sprintf("%s:%s:%d", r.prefix, id, idx)
	count, err := admitScript.Run(ctx, r.client, []string{key}, quota.Window.Milliseconds()).Int64()
	if err != nil {
		if isRedisError(err) && r.degraded.CompareAndSwap(false, true) {
			r.logger.Warn("redis error, switching to degraded mode", "error", err)
		} else if !isRedisError(err) {
			r.logger.Error("unexpected rate limit script result", "error", err)
		}
		return r.local.Admit(ctx, id)
	}
	return count <= quota.Capacity
}

// Start launches the recovery loop that leaves degraded mode once Redis
// answers a ping. It is idempotent.
func (r *RedisLimiter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		return
	}
	r.stop = make(chan struct{})
	r.ticker = r.clock.NewTicker(RecoveryInterval)

	r.done.Add(1)
	go r.recoveryLoop(r.ticker, r.stop)
	r.logger.Info("rate limit recovery started", "interval", RecoveryInterval)
}

// Stop terminates the recovery loop and waits for it to exit.
func (r *RedisLimiter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker == nil {
		return
	}
	close(r.stop)
	r.ticker.Stop()
	r.done.Wait()
	r.ticker = nil
	r.logger.Info("rate limit recovery stopped")
}

func (r *RedisLimiter) recoveryLoop(ticker clockwork.Ticker, stop <-chan struct{}) {
	defer r.done.Done()

	for {
		select {
		case <-ticker.Chan():
			r.tryRecover()
		case <-stop:
			return
		}
	}
}

func (r *RedisLimiter) tryRecover() {
	if !r.degraded.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), RedisReadTimeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logger.Debug("redis still unavailable", "error", err)
		return
	}
	r.degraded.Store(false)
	r.logger.Info("redis reachable again, leaving degraded mode")
}

// Close stops recovery and closes the Redis client.
func (r *RedisLimiter) Close() error {
	r.Stop()
	return r.client.Close()
}

// isRedisError reports errors that indicate Redis itself is unavailable.
func isRedisError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
