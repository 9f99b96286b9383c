// Package resume persists per-device delivery state so a reconnecting device
// can continue from its acknowledged cursors instead of replaying entire
// conversations. State lives in the shared cache backend under a
// device-scoped key with a 7-day TTL; an expired or missing state simply
// degrades to a full catch-up.
package resume

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilchat/veild/internal/cache"
)

// StateTTL is how long a disconnected device's state survives.
const StateTTL = 7 * 24 * time.Hour

// State is the persisted snapshot of one device's delivery progress.
type State struct {
	// AckedCursors maps conversation to the highest message seq the device
	// has acknowledged.
	AckedCursors map[uuid.UUID]uint64 `json:"ackedCursors"`
	// Undelivered carries the unacknowledged outbound frames at snapshot
	// time, in outbound-seq order.
	Undelivered []Entry `json:"undelivered,omitempty"`
	// Missed marks that the undelivered ring overflowed; the buffered frames
	// are incomplete and must be discarded in favor of store catch-up.
	Missed bool `json:"missed,omitempty"`
	// OutboundSeq is the last per-device outbound sequence assigned.
	OutboundSeq uint64 `json:"outboundSeq"`
	SavedAt     time.Time `json:"savedAt"`
}

func NewState() *State {
	return &State{AckedCursors: make(map[uuid.UUID]uint64)}
}

// Advance records an acknowledged message seq for a conversation. Cursors
// only move forward.
func (s *State) Advance(conversationID uuid.UUID, seq uint64) {
	if s.AckedCursors == nil {
		s.AckedCursors = make(map[uuid.UUID]uint64)
	}
	if seq > s.AckedCursors[conversationID] {
		s.AckedCursors[conversationID] = seq
	}
}

// Cursor returns the acknowledged seq for a conversation (0 when unknown).
func (s *State) Cursor(conversationID uuid.UUID) uint64 {
	return s.AckedCursors[conversationID]
}

// Store loads and saves device state. Backed by the shared cache backend so
// any node can resume any device.
type Store struct {
	backend cache.Backend
	logger  zerolog.Logger
	now     func() time.Time
}

func NewStore(backend cache.Backend, logger zerolog.Logger) *Store {
	return &Store{backend: backend, logger: logger, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func stateKey(deviceID string) string { return "resume:" + deviceID }

// Load returns the persisted state for a device, or nil when none exists.
// Backend failures degrade to nil; resume then behaves like a first connect.
func (s *Store) Load(ctx context.Context, deviceID string) *State {
	raw, ok, err := s.backend.Get(ctx, stateKey(deviceID))
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Resume state load failed, treating as fresh")
		return nil
	}
	if !ok {
		return nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Resume state corrupt, dropping")
		_ = s.backend.Del(ctx, stateKey(deviceID))
		return nil
	}
	return &st
}

// Persist snapshots the state. Best effort: a lost snapshot costs a wider
// catch-up on the next resume, never correctness.
func (s *Store) Persist(ctx context.Context, deviceID string, st *State) {
	st.SavedAt = s.now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("Resume state marshal failed")
		return
	}
	if err := s.backend.Set(ctx, stateKey(deviceID), raw, StateTTL); err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Resume state persist failed")
	}
}

// Drop discards a device's state.
func (s *Store) Drop(ctx context.Context, deviceID string) {
	if err := s.backend.Del(ctx, stateKey(deviceID)); err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Resume state drop failed")
	}
}
