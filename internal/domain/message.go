package domain

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes bounds encryptedContent. Payloads are opaque ciphertext; the
// server never decodes them beyond transport framing.
const MaxPayloadBytes = 1 << 20

// MaxIdempotencyKeyBytes bounds client-chosen idempotency keys.
const MaxIdempotencyKeyBytes = 128

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders the delivery lifecycle. Transitions must be monotonic;
// failed is terminal and reachable from any state.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    4,
}

func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether moving from s to next respects the monotonic
// status order.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Message is immutable once persisted except for status, deletedAt and the
// delivery/read timestamps. Seq is dense and unique per conversation.
type Message struct {
	ID               uuid.UUID     `json:"id"`
	ConversationID   uuid.UUID     `json:"conversationId"`
	SenderID         uuid.UUID     `json:"senderId"`
	Type             MessageType   `json:"type"`
	EncryptedContent []byte        `json:"-"`
	PayloadSizeBytes int           `json:"payloadSizeBytes"`
	Seq              uint64        `json:"seq"`
	Status           MessageStatus `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
	DeliveredAt      *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt           *time.Time    `json:"readAt,omitempty"`
	DeletedAt        *time.Time    `json:"deletedAt,omitempty"`
}

// DecodeContent validates and decodes a base64url ciphertext payload.
func DecodeContent(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		// Tolerate padded and standard alphabets; clients vary.
		if raw, err = base64.URLEncoding.DecodeString(s); err != nil {
			if raw, err = base64.StdEncoding.DecodeString(s); err != nil {
				return nil, Validationf("INVALID_CONTENT", "encryptedContent is not valid base64")
			}
		}
	}
	if len(raw) == 0 {
		return nil, Validationf("INVALID_CONTENT", "encryptedContent is empty")
	}
	if len(raw) > MaxPayloadBytes {
		return nil, E(KindPayloadTooLarge, "PAYLOAD_TOO_LARGE", "encryptedContent exceeds 1 MiB")
	}
	return raw, nil
}
