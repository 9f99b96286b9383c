package hub

import (
	"sync"

	"github.com/google/uuid"
)

// subscriptionIndex maps conversation -> subscribed device IDs so fan-out
// touches only interested sessions instead of iterating every connection.
// Device IDs, not session pointers, are stored; the registry resolves them at
// delivery time so a stale index entry can never revive a closed session.
type subscriptionIndex struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[string]struct{}
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{subs: make(map[uuid.UUID]map[string]struct{})}
}

func (x *subscriptionIndex) Add(conversationID uuid.UUID, deviceID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	set, ok := x.subs[conversationID]
	if !ok {
		set = make(map[string]struct{})
		x.subs[conversationID] = set
	}
	set[deviceID] = struct{}{}
}

func (x *subscriptionIndex) Remove(conversationID uuid.UUID, deviceID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if set, ok := x.subs[conversationID]; ok {
		delete(set, deviceID)
		if len(set) == 0 {
			delete(x.subs, conversationID)
		}
	}
}

// RemoveDevice drops the device from every conversation. Called on
// disconnect.
func (x *subscriptionIndex) RemoveDevice(deviceID string, conversations []uuid.UUID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range conversations {
		if set, ok := x.subs[id]; ok {
			delete(set, deviceID)
			if len(set) == 0 {
				delete(x.subs, id)
			}
		}
	}
}

// Devices returns a snapshot of subscribers for one conversation.
func (x *subscriptionIndex) Devices(conversationID uuid.UUID) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	set, ok := x.subs[conversationID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
