package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is the shared-cache stand-in for REDIS_URL-less deployments
// and tests. Entries honor absolute TTLs like the redis backend.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memEntry), now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (b *MemoryBackend) SetClock(now func() time.Time) { b.now = now }

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	e, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !b.now().Before(e.expiresAt) {
		b.mu.Lock()
		delete(b.entries, key)
		b.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = b.now().Add(ttl)
	}
	b.mu.Lock()
	b.entries[key] = memEntry{value: value, expiresAt: exp}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Del(ctx context.Context, key string) error {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// MemoryBroker is an in-process invalidation bus. Multiple Cache instances
// sharing one broker model a multi-node deployment in tests.
type MemoryBroker struct {
	mu       sync.RWMutex
	handlers map[int]func([]byte)
	nextID   int
	closed   bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{handlers: make(map[int]func([]byte))}
}

func (b *MemoryBroker) Publish(ctx context.Context, payload []byte) error {
	b.mu.RLock()
	hs := make([]func([]byte), 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	// Delivery is synchronous; the loopback is suppressed by node id, not by
	// skipping the publisher's handler.
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(handler func(payload []byte)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
