// Package dedup – Redis backend.
//
// RedisCache shares the dedup window across instances. SETNX with a TTL is
// the whole protocol: the first writer wins, redeliveries see the key.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache backed by a shared Redis instance.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to addr and namespaces keys under prefix.
func NewRedisCache(addr, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if prefix == "" {
		prefix = "webhook-event"
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
		prefix: prefix,
	}
}

// FirstSeen implements Cache via SETNX.
func (c *RedisCache) FirstSeen(ctx context.Context, id string) (bool, error) {
	return c.client.SetNX(ctx, c.prefix+":"+id, 1, c.ttl).Result()
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
