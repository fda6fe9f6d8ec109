package ratelimiter

import (
	"context"
	"time"
)

// Config defines token bucket parameters.
type Config struct {
	// Capacity is the maximum number of tokens the bucket holds.
	Capacity int
	// RefillRate is the number of tokens added per refill interval.
	RefillRate int
	// RefillInterval is how often tokens are added.
	RefillInterval time.Duration
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Capacity <= 0 || c.RefillRate <= 0 || c.RefillInterval <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Result describes the outcome of a token consumption attempt.
type Result struct {
	// Remaining is the token count left after the attempt. Negative values
	// mean the attempt was denied.
	Remaining int
	// ResetAt is when the next refill happens.
	ResetAt time.Time
}

// Allowed reports whether the attempt consumed its tokens.
func (r Result) Allowed() bool {
	return r.Remaining >= 0
}

// RetryAfter returns how long to wait before tokens are available again,
// zero when the attempt was allowed.
func (r Result) RetryAfter() time.Duration {
	if r.Allowed() {
		return 0
	}
	return time.Until(r.ResetAt)
}

// Store persists bucket state per key. Implementations must be safe for
// concurrent use.
type Store interface {
	// ConsumeTokens refills the bucket for key per config, then deducts the
	// requested tokens. It returns the remaining count, which goes negative
	// on denial, and the next refill time.
	ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (remaining int, resetAt time.Time, err error)
	// Reset clears the bucket for key, restoring full capacity.
	Reset(ctx context.Context, key string) error
}

// Bucket is a token bucket rate limiter over a pluggable store.
type Bucket struct {
	store  Store
	config Config
}

// NewBucket creates a rate limiter with the given store and configuration.
func NewBucket(store Store, config Config) (*Bucket, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Bucket{store: store, config: config}, nil
}

// Allow attempts to consume one token for key.
func (b *Bucket) Allow(ctx context.Context, key string) (Result, error) {
	return b.AllowN(ctx, key, 1)
}

// AllowN attempts to consume n tokens for key. Denied attempts do not
// consume anything: the store rolls the deduction back above zero on the
// next refill, so a denied caller retries at ResetAt with a full interval's
// tokens available.
func (b *Bucket) AllowN(ctx context.Context, key string, n int) (Result, error) {
	if n <= 0 {
		return Result{}, ErrInvalidTokenCount
	}

	remaining, resetAt, err := b.store.ConsumeTokens(ctx, key, n, b.config)
	if err != nil {
		return Result{}, err
	}

	return Result{Remaining: remaining, ResetAt: resetAt}, nil
}

// Reset clears the bucket for key, an administrative override.
func (b *Bucket) Reset(ctx context.Context, key string) error {
	return b.store.Reset(ctx, key)
}
