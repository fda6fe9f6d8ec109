// Package ratelimiter provides token bucket rate limiting with pluggable
// storage backends.
//
// A bucket holds Capacity tokens and gains RefillRate tokens every
// RefillInterval. Each allowed operation consumes tokens; when the bucket
// runs dry, callers are told when to retry. Burst traffic is absorbed up to
// capacity while the long-run rate stays bounded.
//
// Typical setup for a per-queue throughput cap:
//
//	store := ratelimiter.NewMemoryStore()
//	limiter, err := ratelimiter.NewBucket(store, ratelimiter.Config{
//		Capacity:       30,
//		RefillRate:     30,
//		RefillInterval: time.Second,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	result, err := limiter.Allow(ctx, "queue:notifications")
//	if err != nil {
//		return err
//	}
//	if !result.Allowed() {
//		time.Sleep(result.RetryAfter())
//	}
//
// The Store interface allows swapping the in-memory backend for a shared
// one (e.g. Redis) when the limit must hold across processes.
package ratelimiter
