package configuration

import "time"

// Pool sizing and timing constants.
const (
	DefaultMinPoolSize          = 5
	DefaultMaxPoolSize          = 100
	DefaultRotationInterval     = 30 * time.Minute
	DefaultHealthCheckInterval  = 5 * time.Minute
	DefaultAllocationSampleSize = 10
	DefaultAuthFailureThreshold = 3
	DefaultRotationFraction     = 0.2
)

// Tier quota constants. Windows are one minute for every tier.
const (
	DefaultTierWindow        = time.Minute
	DefaultBasicCapacity     = 10
	DefaultElevatedCapacity  = 100
	DefaultUnlimitedCapacity = 1000
)

// Health, upstream, and usage constants.
const (
	DefaultHealthSampleSize      = 5
	DefaultHealthProbesPerSecond = 2
	DefaultUpstreamTimeout       = 10 * time.Second
	DefaultUsageBatchSize        = 100
	DefaultUsageFlushInterval    = 5 * time.Second
	DefaultUsageBufferLimit      = 10000
	DefaultUsageRetention        = 7 * 24 * time.Hour
	DefaultConnectTimeout        = 5 * time.Second
	DefaultListenAddr            = ":9090"
)

// DefaultConfig returns production-ready configuration with sensible defaults.
// Vault keys are intentionally empty; a deployment must supply them.
func DefaultConfig() *Config {
	return &Config{
		MinPoolSize:          DefaultMinPoolSize,
		MaxPoolSize:          DefaultMaxPoolSize,
		RotationInterval:     DefaultRotationInterval,
		HealthCheckInterval:  DefaultHealthCheckInterval,
		AllocationSampleSize: DefaultAllocationSampleSize,
		AuthFailureThreshold: DefaultAuthFailureThreshold,
		ExcessPolicy:         ExcessHighestUsage,
		RotationFraction:     DefaultRotationFraction,
		Tiers: TiersConfig{
			Basic:     TierConfig{RateCapacity: DefaultBasicCapacity, Window: DefaultTierWindow},
			Elevated:  TierConfig{RateCapacity: DefaultElevatedCapacity, Window: DefaultTierWindow},
			Unlimited: TierConfig{RateCapacity: DefaultUnlimitedCapacity, Window: DefaultTierWindow},
		},
		Health: HealthConfig{
			SampleSize:      DefaultHealthSampleSize,
			ProbesPerSecond: DefaultHealthProbesPerSecond,
		},
		Upstream: UpstreamConfig{
			Method:     "GET",
			AuthHeader: "Authorization",
			AuthScheme: "Bearer",
			Timeout:    DefaultUpstreamTimeout,
		},
		Usage: UsageConfig{
			BatchSize:     DefaultUsageBatchSize,
			FlushInterval: DefaultUsageFlushInterval,
			BufferLimit:   DefaultUsageBufferLimit,
			Retention:     DefaultUsageRetention,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		RateLimit: RateLimitConfig{
			Backend:        "local",
			ConnectTimeout: DefaultConnectTimeout,
			KeyPrefix:      "keypool:rl",
		},
		Observability: ObservabilityConfig{
			LogLevel:   "info",
			LogFormat:  "json",
			ListenAddr: DefaultListenAddr,
		},
	}
}
