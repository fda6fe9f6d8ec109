package redis

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Provider hands out a lazily established, memoized Redis client. An
// unconfigured provider is valid: Get returns (nil, nil) and the caller
// degrades to whatever its fallback mode is.
//
// The provider owns the client lifecycle; components borrowing the client
// must not close it themselves.
type Provider struct {
	cfg Config

	mu     sync.Mutex
	client *redis.Client
	closed bool
}

// NewProvider creates a connection provider. No connection is attempted
// until the first Get.
func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Configured reports whether a connection URL is present.
func (p *Provider) Configured() bool {
	return p.cfg.Configured()
}

// Get returns the shared client, connecting on first use. Returns (nil, nil)
// when no URL is configured. Concurrent callers share one connection attempt.
func (p *Provider) Get(ctx context.Context) (*redis.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if !p.cfg.Configured() {
		return nil, nil
	}
	if p.client != nil {
		return p.client, nil
	}

	client, err := Connect(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// Healthcheck pings the established client. An unconfigured or not yet
// connected provider is healthy: there is nothing to be broken.
func (p *Provider) Healthcheck(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil {
		return nil
	}
	return Healthcheck(client)(ctx)
}

// Close releases the client. Idempotent; subsequent Get calls fail with
// ErrProviderClosed.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
