package bus

import (
	"context"
	"sync"
)

// MemoryBus dispatches events in-process. Handlers run on the publisher's
// goroutine; the hub hands frames to its worker pool, so dispatch stays
// cheap.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[int]func(PersistedEvent)
	nextID   int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]func(PersistedEvent))}
}

func (b *MemoryBus) PublishPersisted(ctx context.Context, ev PersistedEvent) error {
	b.mu.RLock()
	hs := make([]func(PersistedEvent), 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
	return nil
}

func (b *MemoryBus) SubscribePersisted(handler func(PersistedEvent)) (func(), error) {
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

func (b *MemoryBus) Close() error { return nil }
