package ratelimiter_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ketmar/dispatch/pkg/ratelimiter"
)

func TestNewBucket(t *testing.T) {
	t.Parallel()

	t.Run("nil store", func(t *testing.T) {
		t.Parallel()

		_, err := ratelimiter.NewBucket(nil, ratelimiter.Config{
			Capacity:       10,
			RefillRate:     10,
			RefillInterval: time.Second,
		})
		require.ErrorIs(t, err, ratelimiter.ErrStoreUnavailable)
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()

		_, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{})
		require.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
	})
}

func TestBucket_Allow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("allows up to capacity", func(t *testing.T) {
		t.Parallel()

		limiter, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       3,
			RefillRate:     3,
			RefillInterval: time.Hour,
		})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			result, err := limiter.Allow(ctx, "key")
			require.NoError(t, err)
			assert.True(t, result.Allowed(), "request %d should be allowed", i)
		}

		result, err := limiter.Allow(ctx, "key")
		require.NoError(t, err)
		assert.False(t, result.Allowed())
		assert.Positive(t, result.RetryAfter())
	})

	t.Run("keys are independent", func(t *testing.T) {
		t.Parallel()

		limiter, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       1,
			RefillRate:     1,
			RefillInterval: time.Hour,
		})
		require.NoError(t, err)

		first, err := limiter.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, first.Allowed())

		drained, err := limiter.Allow(ctx, "a")
		require.NoError(t, err)
		assert.False(t, drained.Allowed())

		other, err := limiter.Allow(ctx, "b")
		require.NoError(t, err)
		assert.True(t, other.Allowed())
	})

	t.Run("refill restores tokens", func(t *testing.T) {
		t.Parallel()

		limiter, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       1,
			RefillRate:     1,
			RefillInterval: 20 * time.Millisecond,
		})
		require.NoError(t, err)

		result, err := limiter.Allow(ctx, "key")
		require.NoError(t, err)
		require.True(t, result.Allowed())

		result, err = limiter.Allow(ctx, "key")
		require.NoError(t, err)
		require.False(t, result.Allowed())

		time.Sleep(30 * time.Millisecond)

		result, err = limiter.Allow(ctx, "key")
		require.NoError(t, err)
		assert.True(t, result.Allowed())
	})

	t.Run("denied attempts do not erode the refill", func(t *testing.T) {
		t.Parallel()

		limiter, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       1,
			RefillRate:     1,
			RefillInterval: 20 * time.Millisecond,
		})
		require.NoError(t, err)

		result, err := limiter.Allow(ctx, "key")
		require.NoError(t, err)
		require.True(t, result.Allowed())

		// Hammering a drained bucket must not push the next window away.
		for i := 0; i < 3; i++ {
			result, err = limiter.Allow(ctx, "key")
			require.NoError(t, err)
			require.False(t, result.Allowed())
		}

		time.Sleep(30 * time.Millisecond)

		result, err = limiter.Allow(ctx, "key")
		require.NoError(t, err)
		assert.True(t, result.Allowed(), "refill must forgive denial debt")
	})

	t.Run("reset restores capacity", func(t *testing.T) {
		t.Parallel()

		limiter, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       1,
			RefillRate:     1,
			RefillInterval: time.Hour,
		})
		require.NoError(t, err)

		_, err = limiter.Allow(ctx, "key")
		require.NoError(t, err)

		require.NoError(t, limiter.Reset(ctx, "key"))

		result, err := limiter.Allow(ctx, "key")
		require.NoError(t, err)
		assert.True(t, result.Allowed())
	})
}

func TestBucket_AllowN(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	limiter, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
		Capacity:       10,
		RefillRate:     10,
		RefillInterval: time.Hour,
	})
	require.NoError(t, err)

	result, err := limiter.AllowN(ctx, "batch", 7)
	require.NoError(t, err)
	assert.True(t, result.Allowed())
	assert.Equal(t, 3, result.Remaining)

	result, err = limiter.AllowN(ctx, "batch", 4)
	require.NoError(t, err)
	assert.False(t, result.Allowed())

	_, err = limiter.AllowN(ctx, "batch", 0)
	require.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount)
}

func TestBucket_ConcurrentSameKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
		Capacity:       100,
		RefillRate:     100,
		RefillInterval: time.Hour,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var allowed atomic.Int64

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				result, err := limiter.Allow(ctx, "shared")
				if err == nil && result.Allowed() {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, allowed.Load(), int64(100))
	assert.Positive(t, allowed.Load())
}
