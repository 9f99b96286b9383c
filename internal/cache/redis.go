package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// invalidateChannel is the pub/sub channel invalidation envelopes ride on.
const invalidateChannel = "veil.cache.invalidate"

// RedisBackend adapts go-redis to the Backend port. One client per process,
// long-lived; Dispose closes it.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying connection for collaborators that share it
// (resume store, rate limiter counters).
func (b *RedisBackend) Client() *redis.Client { return b.client }

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Del(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBackend) Close() error { return b.client.Close() }

// RedisBroker publishes invalidations over redis pub/sub. It holds its own
// subscriber connection; go-redis requires a dedicated conn for Subscribe.
type RedisBroker struct {
	client *redis.Client
	cancel context.CancelFunc
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, invalidateChannel, payload).Err()
}

func (b *RedisBroker) Subscribe(handler func(payload []byte)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	sub := b.client.Subscribe(ctx, invalidateChannel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		return nil, err
	}
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()
	stop := func() {
		_ = sub.Close()
		cancel()
	}
	return stop, nil
}

func (b *RedisBroker) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return nil
}
