package queue

import "time"

// Config holds the queue subsystem configuration. Designed for
// environment-based configuration using popular env parsing libraries.
//
// The broker URL gates the entire subsystem: when both URL variables are
// empty the system runs in disabled mode and every submission takes the
// fallback path instead of failing.
type Config struct {
	RedisURL    string `env:"QUEUE_REDIS_URL"`
	RedisURLAlt string `env:"REDIS_URL"`

	LockTimeout     time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"2m"`
	ShutdownTimeout time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	CheckInterval   time.Duration `env:"QUEUE_SCHEDULER_INTERVAL" envDefault:"15s"`
	JanitorInterval time.Duration `env:"QUEUE_JANITOR_INTERVAL" envDefault:"30s"`
}

// DefaultConfig returns sensible defaults for production use.
// The broker URL is intentionally left empty; absence of a URL is the
// first-class disabled mode, not an error.
func DefaultConfig() Config {
	return Config{
		LockTimeout:     2 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		CheckInterval:   15 * time.Second,
		JanitorInterval: 30 * time.Second,
	}
}

// normalize fills non-positive durations from DefaultConfig, so a hand-built
// Config that only sets the broker URL cannot produce zero tickers or an
// instantly expiring lock.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.LockTimeout <= 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = def.JanitorInterval
	}
	return c
}

// BrokerURL resolves the broker connection URL; the first non-empty of the
// two accepted variables wins.
func (c Config) BrokerURL() string {
	if c.RedisURL != "" {
		return c.RedisURL
	}
	return c.RedisURLAlt
}

// Enabled reports whether queuing is configured. Every producer-facing call
// must honor this: disabled mode degrades to fallback, never to an error.
func (c Config) Enabled() bool {
	return c.BrokerURL() != ""
}
