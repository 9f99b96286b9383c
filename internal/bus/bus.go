// Package bus carries MessagePersisted events from the ingest pipeline to
// every node hosting subscribed sessions. Single-node deployments use the
// in-process bus; setting NATS_URL swaps in the NATS bus with the same
// envelope, keyed by conversation.
package bus

import (
	"context"

	"github.com/google/uuid"

	"github.com/veilchat/veild/internal/domain"
)

// PersistedEvent announces a freshly persisted message. Recipients is the
// active participant set at persist time; SenderDeviceID enables echo
// suppression at the hub.
type PersistedEvent struct {
	Message    domain.Message `json:"message"`
	Recipients []uuid.UUID    `json:"recipients"`
	// Ciphertext duplicates Message.EncryptedContent, which is excluded from
	// JSON so the message struct stays log-safe. Frames and cross-node
	// envelopes need the opaque payload to reach recipient devices.
	Ciphertext     []byte `json:"ciphertext"`
	SenderDeviceID string `json:"senderDeviceId"`
}

// Bus is the fan-out channel between ingest and hubs. Publish is
// fire-and-forget from the caller's perspective: ingest success never
// depends on it.
type Bus interface {
	PublishPersisted(ctx context.Context, ev PersistedEvent) error
	// SubscribePersisted registers a handler for all conversations and
	// returns an unsubscribe func.
	SubscribePersisted(handler func(PersistedEvent)) (func(), error)
	Close() error
}
