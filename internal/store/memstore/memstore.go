// Package memstore is the in-memory store adapter. It backs unit tests and
// STORAGE_DRIVER=memory deployments with the same sequencing, idempotency and
// ordering guarantees as the Postgres adapter.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilchat/veild/internal/domain"
	"github.com/veilchat/veild/internal/store"
)

// idempotencyTTL matches the persisted layout: reservations expire after 24h.
const idempotencyTTL = 24 * time.Hour

type idempotencyRecord struct {
	messageID uuid.UUID
	expiresAt time.Time
}

type Store struct {
	mu sync.RWMutex

	// messages[conversationID] is dense: index i holds seq i+1.
	messages      map[uuid.UUID][]*domain.Message
	byID          map[uuid.UUID]*domain.Message
	conversations map[uuid.UUID]*domain.Conversation
	idempotency   map[string]idempotencyRecord

	// now is injectable for TTL tests.
	now func() time.Time
}

func New() *Store {
	return &Store{
		messages:      make(map[uuid.UUID][]*domain.Message),
		byID:          make(map[uuid.UUID]*domain.Message),
		conversations: make(map[uuid.UUID]*domain.Conversation),
		idempotency:   make(map[string]idempotencyRecord),
		now:           time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func idemKey(senderID uuid.UUID, key string) string {
	return senderID.String() + "\x00" + key
}

// Append assigns seq = len+1 under the store lock, so the sequence increment
// and the insert commit as one atomic unit. The idempotency reservation
// happens in the same critical section.
func (s *Store) Append(ctx context.Context, in store.AppendInput) (store.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.IdempotencyKey != "" {
		k := idemKey(in.Message.SenderID, in.IdempotencyKey)
		if rec, ok := s.idempotency[k]; ok {
			if rec.expiresAt.After(s.now()) {
				if existing, ok := s.byID[rec.messageID]; ok {
					return store.AppendResult{Message: *existing, Replayed: true}, nil
				}
			}
			delete(s.idempotency, k)
		}
	}

	log := s.messages[in.Message.ConversationID]
	msg := in.Message
	msg.Seq = uint64(len(log)) + 1
	if msg.Status == "" {
		msg.Status = domain.StatusSent
	}

	stored := msg
	s.messages[in.Message.ConversationID] = append(log, &stored)
	s.byID[stored.ID] = &stored

	if in.IdempotencyKey != "" {
		s.idempotency[idemKey(msg.SenderID, in.IdempotencyKey)] = idempotencyRecord{
			messageID: msg.ID,
			expiresAt: s.now().Add(idempotencyTTL),
		}
	}

	if conv, ok := s.conversations[msg.ConversationID]; ok {
		id := msg.ID
		at := msg.CreatedAt
		conv.LastMessageID = &id
		conv.LastMessageAt = &at
	}

	return store.AppendResult{Message: stored}, nil
}

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) List(ctx context.Context, f store.ListFilter, cursor string, limit int) ([]domain.Message, string, error) {
	tok, err := store.DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = store.ClampLimit(limit)

	s.mu.RLock()
	log := s.messages[f.ConversationID]
	candidates := make([]domain.Message, 0, len(log))
	for _, m := range log {
		candidates = append(candidates, *m)
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID.String() < candidates[j].ID.String()
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	items := make([]domain.Message, 0, limit)
	for _, m := range candidates {
		if !matches(m, f) || !store.AfterCursor(m, tok) {
			continue
		}
		items = append(items, m)
		if len(items) == limit {
			break
		}
	}

	next := ""
	if len(items) == limit {
		next = store.EncodeCursor(items[len(items)-1])
	}
	return items, next, nil
}

func matches(m domain.Message, f store.ListFilter) bool {
	if m.DeletedAt != nil && !f.IncludeDeleted {
		return false
	}
	if f.SenderID != nil && m.SenderID != *f.SenderID {
		return false
	}
	if f.Type != nil && m.Type != *f.Type {
		return false
	}
	if f.Before != nil && !m.CreatedAt.Before(*f.Before) {
		return false
	}
	if f.After != nil && !m.CreatedAt.After(*f.After) {
		return false
	}
	return true
}

func (s *Store) ListRange(ctx context.Context, conversationID uuid.UUID, afterSeq, throughSeq uint64, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.messages[conversationID]
	out := make([]domain.Message, 0, limit)
	for _, m := range log {
		if m.Seq <= afterSeq || m.Seq > throughSeq {
			continue
		}
		out = append(out, *m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) TipSeq(ctx context.Context, conversationID uuid.UUID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.messages[conversationID])), nil
}

func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	m.DeletedAt = &at
	return nil
}

func (s *Store) MarkStatus(ctx context.Context, id uuid.UUID, status domain.MessageStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if !m.Status.CanTransition(status) {
		return domain.E(domain.KindConflict, "STATUS_NOT_MONOTONIC", "status transition would move backwards")
	}
	m.Status = status
	switch status {
	case domain.StatusDelivered:
		m.DeliveredAt = &at
	case domain.StatusRead:
		m.ReadAt = &at
	}
	return nil
}

func (s *Store) MarkManyRead(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		m, ok := s.byID[id]
		if !ok {
			continue
		}
		if m.Status.CanTransition(domain.StatusRead) {
			m.Status = domain.StatusRead
			t := at
			m.ReadAt = &t
		}
	}
	return nil
}

func (s *Store) FindConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok || c.DeletedAt != nil {
		return nil, domain.ErrConversationNotFound
	}
	cp := *c
	cp.Participants = append([]domain.Participant(nil), c.Participants...)
	return &cp, nil
}

func (s *Store) CreateConversation(ctx context.Context, c domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[c.ID]; exists {
		return domain.E(domain.KindConflict, "CONVERSATION_EXISTS", "conversation id already exists")
	}
	cp := c
	cp.Participants = append([]domain.Participant(nil), c.Participants...)
	s.conversations[c.ID] = &cp
	return nil
}

func (s *Store) SoftDeleteConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	c.DeletedAt = &at
	return nil
}

func (s *Store) AddParticipant(ctx context.Context, conversationID uuid.UUID, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == p.UserID {
			// Re-adding a departed participant clears leftAt.
			c.Participants[i].LeftAt = nil
			c.Participants[i].Role = p.Role
			return nil
		}
	}
	c.Participants = append(c.Participants, p)
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	for i := range c.Participants {
		if c.Participants[i].UserID != userID {
			continue
		}
		if c.Participants[i].Role == domain.RoleOwner {
			return domain.E(domain.KindForbidden, "OWNER_IMMUTABLE", "owners cannot be removed")
		}
		t := at
		c.Participants[i].LeftAt = &t
		return nil
	}
	return domain.ErrNotParticipant
}

func (s *Store) SetLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			t := at
			c.Participants[i].LastReadAt = &t
			return nil
		}
	}
	return domain.ErrNotParticipant
}
