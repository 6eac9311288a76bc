// Package dedup provides a bounded, time-windowed cache for webhook event
// deduplication. It is injected as a collaborator rather than held as global
// state so it is testable and swappable for a distributed backend in a
// multi-instance deployment (see redis.go).
//
// The cache is best-effort: it only reduces redundant work. The storage-
// backed processing claim and the set-once fulfillment order id are the
// actual correctness mechanisms.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Cache records webhook event ids for a bounded window.
type Cache interface {
	// FirstSeen records id and reports whether this call was the first to
	// see it within the window. Redeliveries return false.
	FirstSeen(ctx context.Context, id string) (bool, error)
}

// MemoryCache is the process-local Cache. Entries expire after TTL; an
// opportunistic sweep during inserts and a hard size cap keep memory
// bounded.
type MemoryCache struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	seen    map[string]time.Time
	sweeps  uint64
	nowFunc func() time.Time
}

// NewMemoryCache builds a MemoryCache with the given entry TTL and size cap.
// ttl <= 0 defaults to one hour; maxEntries <= 0 defaults to 100k.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &MemoryCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
		nowFunc:    time.Now,
	}
}

// FirstSeen implements Cache.
func (c *MemoryCache) FirstSeen(_ context.Context, id string) (bool, error) {
	now := c.nowFunc()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic sweep of expired entries every ~1000 inserts, so idle
	// redelivery windows do not pin memory. Run it BEFORE the lookup so an
	// expired record of this very id can be replaced.
	c.sweeps++
	if c.sweeps >= 1000 || len(c.seen) >= c.maxEntries {
		for k, ts := range c.seen {
			if now.Sub(ts) >= c.ttl {
				delete(c.seen, k)
			}
		}
		c.sweeps = 0
	}

	if ts, ok := c.seen[id]; ok && now.Sub(ts) < c.ttl {
		return false, nil
	}

	// Hard cap: if the sweep could not free room, drop the oldest entry.
	// Evicting early only risks one redundant (but idempotent) replay.
	if len(c.seen) >= c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, ts := range c.seen {
			if oldestKey == "" || ts.Before(oldest) {
				oldestKey, oldest = k, ts
			}
		}
		delete(c.seen, oldestKey)
	}

	c.seen[id] = now
	return true, nil
}
