// Package configuration defines the credential pool's settings, their
// production defaults, and loading from KEYPOOL_-prefixed environment variables.
package configuration

import (
	"fmt"
	"time"

	"github.com/ahrav/keypool/internal/domain"
)

// ExcessPolicy selects which Active secrets the optimizer retires first when
// the pool is above its maximum size.
type ExcessPolicy string

const (
	// ExcessHighestUsage retires the most-used secrets first, relieving the
	// secrets under the most pressure.
	ExcessHighestUsage ExcessPolicy = "highest_usage"

	// ExcessLowestUsage retires the least-used secrets first, keeping warmed-up
	// secrets in rotation.
	ExcessLowestUsage ExcessPolicy = "lowest_usage"
)

// Config holds the complete credential pool configuration.
// Pool sizing, timing, tier quotas, and the backing services are all set here
// so that every component is constructed from one validated value.
type Config struct {
	// Pool sizing bounds enforced by the optimizer.
	MinPoolSize int `json:"min_pool_size" koanf:"min_pool_size" validate:"min=0,ltefield=MaxPoolSize"`
	MaxPoolSize int `json:"max_pool_size" koanf:"max_pool_size" validate:"min=1"`

	// Background loop intervals.
	RotationInterval    time.Duration `json:"rotation_interval" koanf:"rotation_interval_ms" validate:"gt=0"`
	HealthCheckInterval time.Duration `json:"health_check_interval" koanf:"health_check_interval_ms" validate:"gt=0"`

	// AllocationSampleSize bounds how many candidates Allocate considers.
	AllocationSampleSize int `json:"allocation_sample_size" koanf:"allocation_sample_size" validate:"min=1,max=1000"`

	// AuthFailureThreshold is the number of consecutive 401/403 usage samples
	// that demote a secret to Invalid.
	AuthFailureThreshold int `json:"auth_failure_threshold" koanf:"auth_failure_threshold" validate:"min=1"`

	// ExcessPolicy orders retirement when the pool exceeds MaxPoolSize.
	ExcessPolicy ExcessPolicy `json:"excess_policy" koanf:"excess_policy" validate:"oneof=highest_usage lowest_usage"`

	// RotationFraction is the share of Active secrets whose usage counters the
	// rotation pass resets.
	RotationFraction float64 `json:"rotation_fraction" koanf:"rotation_fraction" validate:"gte=0,lte=1"`

	Tiers         TiersConfig         `json:"tiers" koanf:"tiers"`
	Health        HealthConfig        `json:"health" koanf:"health"`
	Upstream      UpstreamConfig      `json:"upstream" koanf:"upstream"`
	Usage         UsageConfig         `json:"usage" koanf:"usage"`
	Vault         VaultConfig         `json:"vault" koanf:"vault"`
	Store         StoreConfig         `json:"store" koanf:"store"`
	RateLimit     RateLimitConfig     `json:"rate_limit" koanf:"rate_limit"`
	Observability ObservabilityConfig `json:"observability" koanf:"observability"`
}

// TierConfig is the quota attached to one tier.
type TierConfig struct {
	RateCapacity int64         `json:"rate_capacity" koanf:"rate_capacity" validate:"min=1"`
	Window       time.Duration `json:"window" koanf:"window_ms" validate:"gt=0"`
	TTL          time.Duration `json:"ttl" koanf:"ttl_ms" validate:"gte=0"` // 0 = no expiry
}

// TiersConfig holds one TierConfig per domain.Tier.
type TiersConfig struct {
	Basic     TierConfig `json:"basic" koanf:"basic"`
	Elevated  TierConfig `json:"elevated" koanf:"elevated"`
	Unlimited TierConfig `json:"unlimited" koanf:"unlimited"`
}

// For returns the quota for a tier. Unknown tiers get the basic quota.
func (t TiersConfig) For(tier domain.Tier) TierConfig {
	switch tier {
	case domain.TierElevated:
		return t.Elevated
	case domain.TierUnlimited:
		return t.Unlimited
	default:
		return t.Basic
	}
}

// HealthConfig controls the periodic liveness sampler.
type HealthConfig struct {
	SampleSize      int     `json:"sample_size" koanf:"sample_size" validate:"min=1"`
	ProbesPerSecond float64 `json:"probes_per_second" koanf:"probes_per_second" validate:"gt=0"`
}

// UpstreamConfig describes the liveness call made against the third-party API.
type UpstreamConfig struct {
	Endpoint   string        `json:"endpoint" koanf:"endpoint" validate:"omitempty,url"`
	Method     string        `json:"method" koanf:"method" validate:"oneof=GET HEAD POST"`
	AuthHeader string        `json:"auth_header" koanf:"auth_header" validate:"required"`
	AuthScheme string        `json:"auth_scheme" koanf:"auth_scheme"` // e.g. "Bearer"; empty sends the raw secret
	Timeout    time.Duration `json:"timeout" koanf:"timeout_ms" validate:"gt=0"`
}

// UsageConfig controls usage-sample batching.
type UsageConfig struct {
	BatchSize     int           `json:"batch_size" koanf:"batch_size" validate:"min=1"`
	FlushInterval time.Duration `json:"flush_interval" koanf:"flush_interval_ms" validate:"gt=0"`
	// BufferLimit caps buffered samples while the store is failing; the oldest are dropped.
	BufferLimit int `json:"buffer_limit" koanf:"buffer_limit" validate:"gtefield=BatchSize"`
	// Retention is how long persisted samples are kept; 0 keeps them forever.
	Retention time.Duration `json:"retention" koanf:"retention_ms" validate:"gte=0"`
}

// VaultConfig supplies sealing keys. Either Keys or Passphrase must be set.
type VaultConfig struct {
	// Keys is a comma list of version:base64key; the first entry seals.
	Keys       string `json:"-" koanf:"keys"`
	Passphrase string `json:"-" koanf:"passphrase"`
	Salt       string `json:"salt" koanf:"salt"`
}

// StoreConfig selects the durable pool store.
type StoreConfig struct {
	Driver string `json:"driver" koanf:"driver" validate:"oneof=memory sqlite"`
	Path   string `json:"path" koanf:"path" validate:"required_if=Driver sqlite"`
}

// RateLimitConfig selects the per-secret limiter backend.
type RateLimitConfig struct {
	Backend        string        `json:"backend" koanf:"backend" validate:"oneof=local redis"`
	RedisAddr      string        `json:"redis_addr" koanf:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword  string        `json:"-" koanf:"redis_password"` // Sensitive
	RedisDB        int           `json:"redis_db" koanf:"redis_db" validate:"min=0"`
	ConnectTimeout time.Duration `json:"connect_timeout" koanf:"connect_timeout_ms" validate:"gt=0"`
	KeyPrefix      string        `json:"key_prefix" koanf:"key_prefix"`
}

// ObservabilityConfig controls logging and the metrics/health listener.
type ObservabilityConfig struct {
	LogLevel   string `json:"log_level" koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat  string `json:"log_format" koanf:"log_format" validate:"oneof=json text"`
	ListenAddr string `json:"listen_addr" koanf:"listen_addr"`
}

// Validate checks struct rules and the rules that span fields.
func (c *Config) Validate() error {
	if err := domain.Validator().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Vault.Keys == "" && c.Vault.Passphrase == "" {
		return fmt.Errorf("invalid configuration: vault requires keys or a passphrase")
	}
	if c.Vault.Passphrase != "" && len(c.Vault.Salt) < 8 {
		return fmt.Errorf("invalid configuration: vault passphrase requires a salt of at least 8 bytes")
	}
	return nil
}
