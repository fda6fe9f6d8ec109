package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// Buckets untouched for this long are dropped during the periodic sweep.
const staleThreshold = time.Hour

// bucket represents a token bucket state.
type bucket struct {
	tokens     int
	lastRefill time.Time
	lastAccess time.Time
}

// MemoryStore implements Store using in-process state. Stale buckets are
// pruned opportunistically during ConsumeTokens, so no background goroutine
// is needed.
type MemoryStore struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

// ConsumeTokens refills the bucket for key, then deducts tokens. A deduction
// below zero marks denial; the deficit is forgiven by the next refill.
func (ms *MemoryStore) ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (remaining int, resetAt time.Time, err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	b, exists := ms.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     config.Capacity,
			lastRefill: now,
		}
		ms.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill)
	// Cap elapsed intervals so a long-idle bucket cannot overflow the math.
	maxIntervals := int64(config.Capacity/config.RefillRate + 1)
	intervalsElapsed := int(min(int64(elapsed/config.RefillInterval), maxIntervals))

	if intervalsElapsed > 0 {
		refill := intervalsElapsed * config.RefillRate
		if b.tokens < 0 {
			// Denied attempts left debt; the refill opens a fresh window
			// instead of paying the debt down.
			b.tokens = min(refill, config.Capacity)
		} else {
			b.tokens = min(b.tokens+refill, config.Capacity)
		}
		b.lastRefill = now
	}

	b.tokens -= tokens
	b.lastAccess = now

	ms.sweepLocked(now)

	return b.tokens, b.lastRefill.Add(config.RefillInterval), nil
}

// Reset clears the bucket for key.
func (ms *MemoryStore) Reset(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.buckets, key)
	return nil
}

// Size returns the current number of tracked buckets.
func (ms *MemoryStore) Size() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.buckets)
}

func (ms *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(ms.lastSweep) < staleThreshold {
		return
	}
	ms.lastSweep = now

	for key, b := range ms.buckets {
		if now.Sub(b.lastAccess) > staleThreshold {
			delete(ms.buckets, key)
		}
	}
}
