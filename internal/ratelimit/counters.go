package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounters shares windowed counters between nodes.
type RedisCounters struct {
	client *redis.Client
}

func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

func (c *RedisCounters) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCounters) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// MemoryCounters is the single-node counter store for dev and tests.
type MemoryCounters struct {
	mu      sync.Mutex
	buckets map[string]memBucket
	now     func() time.Time
}

type memBucket struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{buckets: make(map[string]memBucket), now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (c *MemoryCounters) SetClock(now func() time.Time) { c.now = now }

func (c *MemoryCounters) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key]
	if !ok || c.now().After(b.expiresAt) {
		b = memBucket{expiresAt: c.now().Add(ttl)}
	}
	b.count++
	c.buckets[key] = b
	return b.count, nil
}

func (c *MemoryCounters) Get(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key]
	if !ok || c.now().After(b.expiresAt) {
		return 0, nil
	}
	return b.count, nil
}
