package resume

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// DefaultRingSize bounds the undelivered buffer per device. When the ring
// overflows the oldest entries are evicted and the state is marked missed,
// forcing a store-backed catch-up on the next resume.
const DefaultRingSize = 256

// Entry is one frame awaiting acknowledgement. Seq is the per-device
// outbound sequence; ConversationID and MessageSeq locate the message so an
// ack can advance the conversation cursor.
type Entry struct {
	Seq            uint64          `json:"seq"`
	ConversationID uuid.UUID       `json:"conversationId"`
	MessageSeq     uint64          `json:"messageSeq"`
	Payload        json.RawMessage `json:"payload"`
}

// Ring is a bounded FIFO of unacknowledged outbound frames. Entries arrive
// in outbound-seq order and leave either by acknowledgement or by eviction
// when full.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
	missed  bool
}

func NewRing(maxSize int) *Ring {
	if maxSize <= 0 {
		maxSize = DefaultRingSize
	}
	return &Ring{
		entries: make([]Entry, 0, maxSize),
		maxSize: maxSize,
	}
}

// Push appends an entry, evicting the oldest when full. Returns false when an
// eviction occurred; the ring is then no longer a complete record and resume
// must fall back to the store.
func (r *Ring) Push(e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok := true
	if len(r.entries) >= r.maxSize {
		r.entries = r.entries[1:]
		r.missed = true
		ok = false
	}
	r.entries = append(r.entries, e)
	return ok
}

// TakeAcked removes and returns every entry with seq <= seq. Acks are
// cumulative; the caller advances conversation cursors from the returned
// entries.
func (r *Ring) TakeAcked(seq uint64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := 0
	for i < len(r.entries) && r.entries[i].Seq <= seq {
		i++
	}
	if i == 0 {
		return nil
	}
	acked := make([]Entry, i)
	copy(acked, r.entries[:i])
	r.entries = append(r.entries[:0], r.entries[i:]...)
	return acked
}

// Pending returns a copy of the unacknowledged entries in order.
func (r *Ring) Pending() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// PendingFor returns the unacknowledged entries of one conversation in order.
func (r *Ring) PendingFor(conversationID uuid.UUID) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, e := range r.entries {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	return out
}

// Missed reports whether eviction has made the ring incomplete.
func (r *Ring) Missed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.missed
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear empties the ring and resets the missed flag. Used after a full
// store-backed catch-up has superseded the buffered frames.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
	r.missed = false
}

// Restore replaces the ring contents from a persisted snapshot.
func (r *Ring) Restore(entries []Entry, missed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries[:0], entries...)
	if len(r.entries) > r.maxSize {
		r.entries = r.entries[len(r.entries)-r.maxSize:]
		missed = true
	}
	r.missed = missed
}
