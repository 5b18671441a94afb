package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 32, cfg.RegistryShards)
	assert.Equal(t, 30*time.Second, cfg.DefaultRequestDeadline)
	assert.Equal(t, 50*time.Millisecond, cfg.EgressBudget)
	assert.Equal(t, 0.5, cfg.BreakerFailureThreshold)
	assert.Equal(t, "p2c", cfg.LBPolicy)
	assert.Equal(t, 10000, cfg.CacheCapacity)
}

func TestParseOverrides(t *testing.T) {
	yaml := `
listen_addr: ":9090"
base_prefix: bridge
default_request_deadline_ms: 10000
egress_budget_ms: 25
registry_shards: 8
breaker_failure_threshold: 0.8
lb_policy: consistent_hash
pool_channel_max: 6
cache_shards: 32
redis_addr: "127.0.0.1:6379"
ratelimit_rate: 100
ratelimit_burst: 50
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "bridge", cfg.BasePrefix)
	assert.Equal(t, 10*time.Second, cfg.DefaultRequestDeadline)
	assert.Equal(t, 25*time.Millisecond, cfg.EgressBudget)
	assert.Equal(t, 8, cfg.RegistryShards)
	assert.Equal(t, 0.8, cfg.BreakerFailureThreshold)
	assert.Equal(t, "consistent_hash", cfg.LBPolicy)
	assert.Equal(t, 6, cfg.PoolChannelMax)
	assert.Equal(t, 32, cfg.CacheShards)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, 100.0, cfg.RatelimitRate)

	// Unset options keep their defaults.
	assert.Equal(t, 50000, cfg.MaxInflightRequests)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"zero shards", func(c *Config) { c.RegistryShards = 0 }},
		{"non power-of-two cache shards", func(c *Config) { c.CacheShards = 12 }},
		{"threshold above 1", func(c *Config) { c.BreakerFailureThreshold = 1.5 }},
		{"unknown lb policy", func(c *Config) { c.LBPolicy = "random" }},
		{"channel max below per-instance", func(c *Config) { c.PoolChannelMax = 1; c.PoolChannelsPerInstance = 2 }},
		{"negative retries", func(c *Config) { c.RetryMaxAttempts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseBadYAML(t *testing.T) {
	_, err := Parse([]byte("listen_addr: [not a string"))
	assert.Error(t, err)
}
