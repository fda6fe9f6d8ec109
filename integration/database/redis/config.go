package redis

import "time"

// Config holds Redis connection configuration. Designed for environment-based
// configuration using popular env parsing libraries.
//
// An empty URL is not an error: it means the broker is not configured and the
// provider hands out no client.
type Config struct {
	ConnectionURL    string        `env:"QUEUE_REDIS_URL"`
	ConnectionURLAlt string        `env:"REDIS_URL"`
	RetryAttempts    int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval    time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout   time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:  3,
		RetryInterval:  5 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
}

// URL resolves the connection URL; the dedicated queue variable wins over the
// shared one.
func (c Config) URL() string {
	if c.ConnectionURL != "" {
		return c.ConnectionURL
	}
	return c.ConnectionURLAlt
}

// Configured reports whether a connection URL is present.
func (c Config) Configured() bool {
	return c.URL() != ""
}
