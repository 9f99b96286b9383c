// Package store defines the narrow operation-level ports the rest of the
// system persists through. Two adapters implement them: memstore (dev/test)
// and pgstore (Postgres). Both expose the same sequencing and idempotency
// guarantees; the in-memory adapter is the deterministic reference the
// persistent one is checked against.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/veilchat/veild/internal/domain"
)

// MaxListLimit bounds page sizes for List.
const MaxListLimit = 200

// sequencerRetries bounds optimistic retries when concurrent writers race for
// the same conversation sequence before SequencerContention surfaces.
const SequencerRetries = 8

// AppendInput carries a fully validated message plus the sender's idempotency
// key. The adapter assigns Seq and reserves the key in the same atomic unit
// as the insert.
type AppendInput struct {
	Message        domain.Message
	IdempotencyKey string
}

// AppendResult reports the persisted message. Replayed is true when the
// idempotency key matched an earlier append; the message is then the original
// one and no new sequence was assigned.
type AppendResult struct {
	Message  domain.Message
	Replayed bool
}

// ListFilter narrows List results. Zero fields are ignored.
type ListFilter struct {
	ConversationID uuid.UUID
	SenderID       *uuid.UUID
	Type           *domain.MessageType
	Before         *time.Time
	After          *time.Time
	IncludeDeleted bool
}

type MessagesWrite interface {
	// Append persists the message with the next dense per-conversation seq,
	// atomically with the idempotency reservation.
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkStatus(ctx context.Context, id uuid.UUID, status domain.MessageStatus, at time.Time) error
	MarkManyRead(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

type MessagesRead interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	// List pages messages ordered by (createdAt, id) ascending. The returned
	// cursor is opaque; pass it back to continue. Limit is clamped to
	// [1, MaxListLimit].
	List(ctx context.Context, f ListFilter, cursor string, limit int) ([]domain.Message, string, error)
	// ListRange streams messages of one conversation with
	// seq in (afterSeq, throughSeq], ascending, at most limit entries.
	ListRange(ctx context.Context, conversationID uuid.UUID, afterSeq, throughSeq uint64, limit int) ([]domain.Message, error)
	// TipSeq returns the highest assigned seq (0 when empty).
	TipSeq(ctx context.Context, conversationID uuid.UUID) (uint64, error)
}

type ConversationsRead interface {
	FindConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
}

type ConversationsWrite interface {
	CreateConversation(ctx context.Context, c domain.Conversation) error
	SoftDeleteConversation(ctx context.Context, id uuid.UUID, at time.Time) error
	AddParticipant(ctx context.Context, conversationID uuid.UUID, p domain.Participant) error
	// RemoveParticipant marks leftAt; owners cannot be removed.
	RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error
	SetLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error
}

// Store bundles every port; both adapters satisfy it.
type Store interface {
	MessagesRead
	MessagesWrite
	ConversationsRead
	ConversationsWrite
}
