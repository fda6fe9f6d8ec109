package redis_test

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ketmar/dispatch/integration/database/redis"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := redis.DefaultConfig()
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.RetryInterval)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.False(t, cfg.Configured())
	assert.Empty(t, cfg.URL())
}

func TestConfig_URLPrecedence(t *testing.T) {
	t.Parallel()

	cfg := redis.Config{ConnectionURLAlt: "redis://shared:6379/0"}
	assert.Equal(t, "redis://shared:6379/0", cfg.URL())
	assert.True(t, cfg.Configured())

	cfg.ConnectionURL = "redis://dedicated:6379/1"
	assert.Equal(t, "redis://dedicated:6379/1", cfg.URL(), "dedicated queue URL wins")
}

func TestConfig_ParsesFromEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://env-host:6379/0")
	t.Setenv("REDIS_RETRY_ATTEMPTS", "1")
	t.Setenv("REDIS_CONNECT_TIMEOUT", "2s")

	var cfg redis.Config
	require.NoError(t, env.Parse(&cfg))

	assert.Equal(t, "redis://env-host:6379/0", cfg.URL())
	assert.Equal(t, 1, cfg.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.RetryInterval, "default still applies")
}
