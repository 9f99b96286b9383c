// Package cache implements the distributed read-through cache: a per-node
// near-cache in front of a shared backend, with invalidation envelopes fanned
// out to peers on every write or delete. The cache is best-effort by
// contract; backend failures are logged at warn and swallowed, never
// surfaced to callers.
package cache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/veilchat/veild/internal/metrics"
)

// Backend is the shared network cache (redis in production, memory in dev).
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// Broker carries invalidation envelopes between nodes.
type Broker interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe registers a handler and returns an unsubscribe func.
	Subscribe(handler func(payload []byte)) (func(), error)
	Close() error
}

// envelope is the cross-node invalidation message. Malformed envelopes are
// ignored; a peer must never be able to crash the subscriber.
type envelope struct {
	Key    string `json:"key"`
	NodeID string `json:"nodeId"`
	TS     int64  `json:"ts"`
}

type nearEntry struct {
	value     []byte
	expiresAt time.Time
}

type Options struct {
	Namespace string
	NodeID    string
	Backend   Backend
	Broker    Broker
	Logger    zerolog.Logger
	// NearSize bounds the near-cache entry count (default 4096).
	NearSize int
	// NearTTL caps how long an entry may live in the near-cache regardless
	// of its backend TTL (default 30s).
	NearTTL time.Duration
}

type Cache struct {
	ns      string
	nodeID  string
	backend Backend
	broker  Broker
	logger  zerolog.Logger
	nearTTL time.Duration

	near *lru.LRU[string, nearEntry]

	handlers    []func(key string)
	unsubscribe func()
}

func New(opts Options) (*Cache, error) {
	if opts.NearSize <= 0 {
		opts.NearSize = 4096
	}
	if opts.NearTTL <= 0 {
		opts.NearTTL = 30 * time.Second
	}
	c := &Cache{
		ns:      opts.Namespace,
		nodeID:  opts.NodeID,
		backend: opts.Backend,
		broker:  opts.Broker,
		logger:  opts.Logger,
		nearTTL: opts.NearTTL,
		near:    lru.NewLRU[string, nearEntry](opts.NearSize, nil, opts.NearTTL),
	}
	if c.broker != nil {
		unsub, err := c.broker.Subscribe(c.onEnvelope)
		if err != nil {
			return nil, err
		}
		c.unsubscribe = unsub
	}
	return c, nil
}

func (c *Cache) qualify(key string) string {
	if c.ns == "" {
		return key
	}
	return c.ns + ":" + key
}

func (c *Cache) onEnvelope(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Key == "" {
		return
	}
	// Self-suppression: our own writes already updated the near-cache.
	if env.NodeID == c.nodeID {
		return
	}
	c.near.Remove(env.Key)
	metrics.CacheInvalidates.Inc()
	for _, h := range c.handlers {
		h(env.Key)
	}
}

// Get returns the cached value, consulting the near-cache first. A false
// return means miss (or unavailable backend); callers fall through to the
// authoritative store.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	k := c.qualify(key)

	if entry, ok := c.near.Get(k); ok {
		if time.Now().Before(entry.expiresAt) {
			metrics.CacheHits.WithLabelValues("near").Inc()
			return entry.value, true
		}
		c.near.Remove(k)
	}

	if c.backend == nil {
		return nil, false
	}
	val, ok, err := c.backend.Get(ctx, k)
	if err != nil {
		metrics.CacheErrors.Inc()
		c.logger.Warn().Err(err).Str("key", k).Msg("Cache get failed, falling through")
		return nil, false
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues("shared").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("shared").Inc()
	c.nearSet(k, val, c.nearTTL)
	return val, true
}

func (c *Cache) nearSet(qualified string, val []byte, ttl time.Duration) {
	if ttl > c.nearTTL {
		ttl = c.nearTTL
	}
	c.near.Add(qualified, nearEntry{value: val, expiresAt: time.Now().Add(ttl)})
}

// Set writes through to the backend and publishes an invalidation so peer
// near-caches drop the stale entry. The backend write happens before the
// publish.
func (c *Cache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	k := c.qualify(key)
	c.nearSet(k, val, ttl)
	if c.backend != nil {
		if err := c.backend.Set(ctx, k, val, ttl); err != nil {
			metrics.CacheErrors.Inc()
			c.logger.Warn().Err(err).Str("key", k).Msg("Cache set failed (best effort)")
		}
	}
	c.publishInvalidate(ctx, k)
}

// Delete drops the entry everywhere.
func (c *Cache) Delete(ctx context.Context, key string) {
	k := c.qualify(key)
	c.near.Remove(k)
	if c.backend != nil {
		if err := c.backend.Del(ctx, k); err != nil {
			metrics.CacheErrors.Inc()
			c.logger.Warn().Err(err).Str("key", k).Msg("Cache delete failed (best effort)")
		}
	}
	c.publishInvalidate(ctx, k)
}

func (c *Cache) publishInvalidate(ctx context.Context, qualified string) {
	if c.broker == nil {
		return
	}
	payload, _ := json.Marshal(envelope{Key: qualified, NodeID: c.nodeID, TS: time.Now().UnixMilli()})
	if err := c.broker.Publish(ctx, payload); err != nil {
		metrics.CacheErrors.Inc()
		c.logger.Warn().Err(err).Str("key", qualified).Msg("Invalidation publish failed")
	}
}

// OnInvalidate registers a handler for peer invalidations. Registration is
// not synchronized with delivery; register before the cache is shared.
func (c *Cache) OnInvalidate(fn func(key string)) {
	c.handlers = append(c.handlers, fn)
}

// Dispose releases the subscriber and backend clients.
func (c *Cache) Dispose() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.broker != nil {
		_ = c.broker.Close()
	}
	if c.backend != nil {
		_ = c.backend.Close()
	}
}

// GetJSON is a typed read-through helper.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (*T, bool) {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		// A corrupt entry behaves like a miss and is dropped.
		c.Delete(ctx, key)
		return nil, false
	}
	return &v, true
}

// SetJSON is the typed counterpart of Set.
func SetJSON[T any](ctx context.Context, c *Cache, key string, v T, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache marshal failed")
		return
	}
	c.Set(ctx, key, raw, ttl)
}
