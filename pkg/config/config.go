package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the bridge. Zero values are replaced by
// Default() values when loading, so a config file only needs the options
// it changes.
type Config struct {
	// HTTP ingress
	ListenAddr               string        `yaml:"listen_addr"`
	BasePrefix               string        `yaml:"base_prefix"`
	AdminEnabled             bool          `yaml:"admin_enabled"`
	MaxInflightRequests      int           `yaml:"max_inflight_requests"`
	DefaultRequestDeadline   time.Duration `yaml:"default_request_deadline_ms"`
	EgressBudget             time.Duration `yaml:"egress_budget_ms"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Registry
	RegistryShards int           `yaml:"registry_shards"`
	ServiceGrace   time.Duration `yaml:"service_grace_ms"`

	// Health prober
	HealthProbeInterval time.Duration `yaml:"health_probe_interval_ms"`
	HealthProbeTimeout  time.Duration `yaml:"health_probe_timeout_ms"`
	HealthBackoffMax    time.Duration `yaml:"health_backoff_max_ms"`

	// Circuit breaker
	BreakerFailureThreshold float64       `yaml:"breaker_failure_threshold"`
	BreakerMinSamples       int           `yaml:"breaker_min_samples"`
	BreakerWindow           int           `yaml:"breaker_window"`
	BreakerOpenCooldown     time.Duration `yaml:"breaker_open_cooldown_ms"`
	BreakerMaxCooldown      time.Duration `yaml:"breaker_max_cooldown_ms"`
	BreakerHalfOpenProbes   int           `yaml:"breaker_halfopen_probes"`

	// Load balancer
	LBPolicy           string  `yaml:"lb_policy"`
	LBP2CAlpha         float64 `yaml:"lb_p2c_alpha"`
	LBP2CBeta          float64 `yaml:"lb_p2c_beta"`
	LBCHReplicas       int     `yaml:"lb_ch_replicas"`
	LBCHOverloadFactor float64 `yaml:"lb_ch_overload_factor"`

	// Channel pool
	PoolChannelsPerInstance  int           `yaml:"pool_channels_per_instance"`
	PoolChannelMax           int           `yaml:"pool_channel_max"`
	PoolMaxConcurrentStreams int           `yaml:"pool_max_concurrent_streams"`
	PoolIdleTimeout          time.Duration `yaml:"pool_idle_timeout_ms"`
	PoolDrainTimeout         time.Duration `yaml:"pool_drain_timeout_ms"`
	PoolKeepalive            time.Duration `yaml:"pool_keepalive_ms"`
	PoolWarmOnAdd            bool          `yaml:"pool_warm_on_add"`

	// Invoker retry/hedging/compression
	RetryMaxAttempts   int           `yaml:"retry_max_attempts"`
	RetryBase          time.Duration `yaml:"retry_base_ms"`
	RetryMult          float64       `yaml:"retry_mult"`
	RetryCap           time.Duration `yaml:"retry_cap_ms"`
	RetryJitterPct     float64       `yaml:"retry_jitter_pct"`
	HedgeDelay         time.Duration `yaml:"hedge_delay_ms"`
	CompressionMinBytes int          `yaml:"compression_min_bytes"`

	// Response cache
	CacheCapacity    int           `yaml:"cache_capacity"`
	CacheShards      int           `yaml:"cache_shards"`
	CacheNegativeTTL time.Duration `yaml:"cache_negative_ttl_ms"`
	// RedisAddr enables the optional external cache mirror when non-empty.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Admission / rate limiting
	AdmissionQueueSize     int `yaml:"admission_queue_size"`
	RatelimitBucketsLRUSize int `yaml:"ratelimit_buckets_lru_size"`
	// RatelimitRate is tokens/second per (tenant, route) bucket; 0 disables
	// per-route limiting.
	RatelimitRate  float64 `yaml:"ratelimit_rate"`
	RatelimitBurst int     `yaml:"ratelimit_burst"`

	// Translator
	StrictFields bool `yaml:"strict_fields"`

	// Telemetry
	EventQueueSize int `yaml:"event_queue_size"`
}

// Default returns the configuration with all documented defaults
func Default() *Config {
	return &Config{
		ListenAddr:             ":8080",
		BasePrefix:             "api",
		AdminEnabled:           false,
		MaxInflightRequests:    50000,
		DefaultRequestDeadline: 30 * time.Second,
		EgressBudget:           50 * time.Millisecond,

		LogLevel: "info",
		LogJSON:  true,

		RegistryShards: 32,
		ServiceGrace:   5 * time.Second,

		HealthProbeInterval: 5 * time.Second,
		HealthProbeTimeout:  2 * time.Second,
		HealthBackoffMax:    60 * time.Second,

		BreakerFailureThreshold: 0.5,
		BreakerMinSamples:       10,
		BreakerWindow:           100,
		BreakerOpenCooldown:     time.Second,
		BreakerMaxCooldown:      60 * time.Second,
		BreakerHalfOpenProbes:   1,

		LBPolicy:           "p2c",
		LBP2CAlpha:         0.5,
		LBP2CBeta:          2.0,
		LBCHReplicas:       160,
		LBCHOverloadFactor: 1.25,

		PoolChannelsPerInstance:  2,
		PoolChannelMax:           4,
		PoolMaxConcurrentStreams: 100,
		PoolIdleTimeout:          5 * time.Minute,
		PoolDrainTimeout:         15 * time.Second,
		PoolKeepalive:            30 * time.Second,

		RetryMaxAttempts:    3,
		RetryBase:           100 * time.Millisecond,
		RetryMult:           2.0,
		RetryCap:            10 * time.Second,
		RetryJitterPct:      10,
		HedgeDelay:          50 * time.Millisecond,
		CompressionMinBytes: 1024,

		CacheCapacity:    10000,
		CacheShards:      16,
		CacheNegativeTTL: 0,

		AdmissionQueueSize:      50000,
		RatelimitBucketsLRUSize: 10000,
		RatelimitRate:           0,
		RatelimitBurst:          0,

		StrictFields: false,

		EventQueueSize: 1024,
	}
}

// yamlConfig mirrors Config with millisecond integers for the *_ms fields,
// matching the documented option names.
type yamlConfig struct {
	ListenAddr             *string  `yaml:"listen_addr"`
	BasePrefix             *string  `yaml:"base_prefix"`
	AdminEnabled           *bool    `yaml:"admin_enabled"`
	MaxInflightRequests    *int     `yaml:"max_inflight_requests"`
	DefaultRequestDeadline *int64   `yaml:"default_request_deadline_ms"`
	EgressBudget           *int64   `yaml:"egress_budget_ms"`
	LogLevel               *string  `yaml:"log_level"`
	LogJSON                *bool    `yaml:"log_json"`
	RegistryShards         *int     `yaml:"registry_shards"`
	ServiceGrace           *int64   `yaml:"service_grace_ms"`
	HealthProbeInterval    *int64   `yaml:"health_probe_interval_ms"`
	HealthProbeTimeout     *int64   `yaml:"health_probe_timeout_ms"`
	HealthBackoffMax       *int64   `yaml:"health_backoff_max_ms"`
	BreakerFailureThreshold *float64 `yaml:"breaker_failure_threshold"`
	BreakerMinSamples      *int     `yaml:"breaker_min_samples"`
	BreakerWindow          *int     `yaml:"breaker_window"`
	BreakerOpenCooldown    *int64   `yaml:"breaker_open_cooldown_ms"`
	BreakerMaxCooldown     *int64   `yaml:"breaker_max_cooldown_ms"`
	BreakerHalfOpenProbes  *int     `yaml:"breaker_halfopen_probes"`
	LBPolicy               *string  `yaml:"lb_policy"`
	LBP2CAlpha             *float64 `yaml:"lb_p2c_alpha"`
	LBP2CBeta              *float64 `yaml:"lb_p2c_beta"`
	LBCHReplicas           *int     `yaml:"lb_ch_replicas"`
	LBCHOverloadFactor     *float64 `yaml:"lb_ch_overload_factor"`
	PoolChannelsPerInstance  *int   `yaml:"pool_channels_per_instance"`
	PoolChannelMax           *int   `yaml:"pool_channel_max"`
	PoolMaxConcurrentStreams *int   `yaml:"pool_max_concurrent_streams"`
	PoolIdleTimeout          *int64 `yaml:"pool_idle_timeout_ms"`
	PoolDrainTimeout         *int64 `yaml:"pool_drain_timeout_ms"`
	PoolKeepalive            *int64 `yaml:"pool_keepalive_ms"`
	PoolWarmOnAdd            *bool  `yaml:"pool_warm_on_add"`
	RetryMaxAttempts    *int     `yaml:"retry_max_attempts"`
	RetryBase           *int64   `yaml:"retry_base_ms"`
	RetryMult           *float64 `yaml:"retry_mult"`
	RetryCap            *int64   `yaml:"retry_cap_ms"`
	RetryJitterPct      *float64 `yaml:"retry_jitter_pct"`
	HedgeDelay          *int64   `yaml:"hedge_delay_ms"`
	CompressionMinBytes *int     `yaml:"compression_min_bytes"`
	CacheCapacity    *int   `yaml:"cache_capacity"`
	CacheShards      *int   `yaml:"cache_shards"`
	CacheNegativeTTL *int64 `yaml:"cache_negative_ttl_ms"`
	RedisAddr        *string `yaml:"redis_addr"`
	RedisPassword    *string `yaml:"redis_password"`
	RedisDB          *int    `yaml:"redis_db"`
	AdmissionQueueSize      *int     `yaml:"admission_queue_size"`
	RatelimitBucketsLRUSize *int     `yaml:"ratelimit_buckets_lru_size"`
	RatelimitRate           *float64 `yaml:"ratelimit_rate"`
	RatelimitBurst          *int     `yaml:"ratelimit_burst"`
	StrictFields            *bool    `yaml:"strict_fields"`
	EventQueueSize          *int     `yaml:"event_queue_size"`
}

// Load reads a YAML config file and applies defaults for unset options
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes and applies defaults for unset options
func Parse(data []byte) (*Config, error) {
	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := Default()
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setF64 := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setMS := func(dst *time.Duration, src *int64) {
		if src != nil {
			*dst = time.Duration(*src) * time.Millisecond
		}
	}

	setStr(&cfg.ListenAddr, y.ListenAddr)
	setStr(&cfg.BasePrefix, y.BasePrefix)
	setBool(&cfg.AdminEnabled, y.AdminEnabled)
	setInt(&cfg.MaxInflightRequests, y.MaxInflightRequests)
	setMS(&cfg.DefaultRequestDeadline, y.DefaultRequestDeadline)
	setMS(&cfg.EgressBudget, y.EgressBudget)
	setStr(&cfg.LogLevel, y.LogLevel)
	setBool(&cfg.LogJSON, y.LogJSON)
	setInt(&cfg.RegistryShards, y.RegistryShards)
	setMS(&cfg.ServiceGrace, y.ServiceGrace)
	setMS(&cfg.HealthProbeInterval, y.HealthProbeInterval)
	setMS(&cfg.HealthProbeTimeout, y.HealthProbeTimeout)
	setMS(&cfg.HealthBackoffMax, y.HealthBackoffMax)
	setF64(&cfg.BreakerFailureThreshold, y.BreakerFailureThreshold)
	setInt(&cfg.BreakerMinSamples, y.BreakerMinSamples)
	setInt(&cfg.BreakerWindow, y.BreakerWindow)
	setMS(&cfg.BreakerOpenCooldown, y.BreakerOpenCooldown)
	setMS(&cfg.BreakerMaxCooldown, y.BreakerMaxCooldown)
	setInt(&cfg.BreakerHalfOpenProbes, y.BreakerHalfOpenProbes)
	setStr(&cfg.LBPolicy, y.LBPolicy)
	setF64(&cfg.LBP2CAlpha, y.LBP2CAlpha)
	setF64(&cfg.LBP2CBeta, y.LBP2CBeta)
	setInt(&cfg.LBCHReplicas, y.LBCHReplicas)
	setF64(&cfg.LBCHOverloadFactor, y.LBCHOverloadFactor)
	setInt(&cfg.PoolChannelsPerInstance, y.PoolChannelsPerInstance)
	setInt(&cfg.PoolChannelMax, y.PoolChannelMax)
	setInt(&cfg.PoolMaxConcurrentStreams, y.PoolMaxConcurrentStreams)
	setMS(&cfg.PoolIdleTimeout, y.PoolIdleTimeout)
	setMS(&cfg.PoolDrainTimeout, y.PoolDrainTimeout)
	setMS(&cfg.PoolKeepalive, y.PoolKeepalive)
	setBool(&cfg.PoolWarmOnAdd, y.PoolWarmOnAdd)
	setInt(&cfg.RetryMaxAttempts, y.RetryMaxAttempts)
	setMS(&cfg.RetryBase, y.RetryBase)
	setF64(&cfg.RetryMult, y.RetryMult)
	setMS(&cfg.RetryCap, y.RetryCap)
	setF64(&cfg.RetryJitterPct, y.RetryJitterPct)
	setMS(&cfg.HedgeDelay, y.HedgeDelay)
	setInt(&cfg.CompressionMinBytes, y.CompressionMinBytes)
	setInt(&cfg.CacheCapacity, y.CacheCapacity)
	setInt(&cfg.CacheShards, y.CacheShards)
	setMS(&cfg.CacheNegativeTTL, y.CacheNegativeTTL)
	setStr(&cfg.RedisAddr, y.RedisAddr)
	setStr(&cfg.RedisPassword, y.RedisPassword)
	setInt(&cfg.RedisDB, y.RedisDB)
	setInt(&cfg.AdmissionQueueSize, y.AdmissionQueueSize)
	setInt(&cfg.RatelimitBucketsLRUSize, y.RatelimitBucketsLRUSize)
	setF64(&cfg.RatelimitRate, y.RatelimitRate)
	setInt(&cfg.RatelimitBurst, y.RatelimitBurst)
	setBool(&cfg.StrictFields, y.StrictFields)
	setInt(&cfg.EventQueueSize, y.EventQueueSize)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the bridge cannot run with
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.RegistryShards <= 0 {
		return fmt.Errorf("registry_shards must be positive")
	}
	if c.CacheShards <= 0 || c.CacheShards&(c.CacheShards-1) != 0 {
		return fmt.Errorf("cache_shards must be a positive power of two")
	}
	if c.BreakerFailureThreshold <= 0 || c.BreakerFailureThreshold > 1 {
		return fmt.Errorf("breaker_failure_threshold must be in (0, 1]")
	}
	switch c.LBPolicy {
	case "p2c", "consistent_hash":
	default:
		return fmt.Errorf("lb_policy must be p2c or consistent_hash, got %q", c.LBPolicy)
	}
	if c.PoolChannelMax < c.PoolChannelsPerInstance {
		return fmt.Errorf("pool_channel_max must be >= pool_channels_per_instance")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry_max_attempts must be >= 0")
	}
	if c.MaxInflightRequests <= 0 {
		return fmt.Errorf("max_inflight_requests must be positive")
	}
	return nil
}
