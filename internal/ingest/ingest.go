// Package ingest implements the message send pipeline: validate, authorize,
// rate limit, dedupe, sequence + append, then emit MessagePersisted to the
// fan-out bus. Fan-out is fire-and-forget; ingest success never depends on
// it.
package ingest

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilchat/veild/internal/bus"
	"github.com/veilchat/veild/internal/cache"
	"github.com/veilchat/veild/internal/domain"
	"github.com/veilchat/veild/internal/metrics"
	"github.com/veilchat/veild/internal/ratelimit"
	"github.com/veilchat/veild/internal/store"
)

const (
	// conversationCacheTTL bounds staleness of the membership read-through.
	conversationCacheTTL = 60 * time.Second

	// appendRetries bounds internal retries of transient append failures,
	// with exponential backoff capped at backoffCap.
	appendRetries = 3
	backoffCap    = 200 * time.Millisecond
)

// AuthContext is produced by the external token verifier.
type AuthContext struct {
	UserID    uuid.UUID
	DeviceID  string
	SessionID string
}

// SendCommand is the raw client send request; fields are validated here.
type SendCommand struct {
	ConversationID   string
	SenderID         string
	Type             string
	EncryptedContent string // base64url ciphertext
	PayloadSizeBytes int
	IdempotencyKey   string
}

type SendResult struct {
	Message domain.Message
	// Replayed marks an idempotent replay (HTTP 200 instead of 201).
	Replayed bool
}

type Service struct {
	store   store.Store
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	bus     bus.Bus
	logger  zerolog.Logger
	now     func() time.Time
}

func New(st store.Store, ca *cache.Cache, rl *ratelimit.Limiter, b bus.Bus, logger zerolog.Logger) *Service {
	return &Service{store: st, cache: ca, limiter: rl, bus: b, logger: logger, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Send runs the full pipeline for one message.
func (s *Service) Send(ctx context.Context, cmd SendCommand, auth AuthContext) (SendResult, error) {
	started := s.now()
	res, err := s.send(ctx, cmd, auth)
	metrics.IngestDuration.Observe(s.now().Sub(started).Seconds())
	switch {
	case err != nil:
		metrics.IngestTotal.WithLabelValues(domain.KindOf(err).String()).Inc()
	case res.Replayed:
		metrics.IngestTotal.WithLabelValues("replayed").Inc()
	default:
		metrics.IngestTotal.WithLabelValues("persisted").Inc()
	}
	return res, err
}

func (s *Service) send(ctx context.Context, cmd SendCommand, auth AuthContext) (SendResult, error) {
	convID, err := uuid.Parse(cmd.ConversationID)
	if err != nil {
		return SendResult{}, domain.Validationf("INVALID_CONVERSATION_ID", "conversationId is not a UUID")
	}
	senderID, err := uuid.Parse(cmd.SenderID)
	if err != nil {
		return SendResult{}, domain.Validationf("INVALID_SENDER_ID", "senderId is not a UUID")
	}
	msgType := domain.MessageType(cmd.Type)
	if !msgType.Valid() {
		return SendResult{}, domain.Validationf("INVALID_TYPE", "type %q is not recognized", cmd.Type)
	}
	if len(cmd.IdempotencyKey) > domain.MaxIdempotencyKeyBytes {
		return SendResult{}, domain.Validationf("INVALID_IDEMPOTENCY_KEY", "idempotency key exceeds %d bytes", domain.MaxIdempotencyKeyBytes)
	}
	ciphertext, err := domain.DecodeContent(cmd.EncryptedContent)
	if err != nil {
		return SendResult{}, err
	}

	// AuthZ: the authenticated account must be the claimed sender and a
	// current participant.
	if senderID != auth.UserID {
		return SendResult{}, domain.E(domain.KindForbidden, "SENDER_MISMATCH", "senderId does not match the authenticated account")
	}
	conv, err := s.loadConversation(ctx, convID)
	if err != nil {
		return SendResult{}, err
	}
	if !conv.IsActiveParticipant(senderID) {
		return SendResult{}, domain.ErrNotParticipant
	}

	if d := s.limiter.Allow(ctx, ratelimit.RouteSend, map[string]string{
		"account": auth.UserID.String(),
		"device":  auth.DeviceID,
		"session": auth.SessionID,
	}); !d.Allowed {
		return SendResult{}, &domain.Error{
			Kind:          domain.KindRateLimited,
			Code:          "RATE_LIMITED",
			Msg:           "send rate limit exceeded",
			RetryAfterSec: int(math.Ceil(d.RetryAfter.Seconds())),
		}
	}

	msg := domain.Message{
		ID:               uuid.New(),
		ConversationID:   convID,
		SenderID:         senderID,
		Type:             msgType,
		EncryptedContent: ciphertext,
		PayloadSizeBytes: cmd.PayloadSizeBytes,
		Status:           domain.StatusSent,
		CreatedAt:        s.now().UTC(),
	}
	if msg.PayloadSizeBytes == 0 {
		msg.PayloadSizeBytes = len(ciphertext)
	}

	result, err := s.appendWithRetry(ctx, store.AppendInput{
		Message:        msg,
		IdempotencyKey: cmd.IdempotencyKey,
	})
	if err != nil {
		return SendResult{}, err
	}

	// The conversation tip moved; peers must re-read.
	s.cache.Delete(ctx, conversationKey(convID))

	if !result.Replayed {
		s.emitPersisted(ctx, result.Message, conv, auth.DeviceID)
	}
	return SendResult{Message: result.Message, Replayed: result.Replayed}, nil
}

// appendWithRetry retries transient failures with exponential backoff capped
// at backoffCap before surfacing them.
func (s *Service) appendWithRetry(ctx context.Context, in store.AppendInput) (store.AppendResult, error) {
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		res, err := s.store.Append(ctx, in)
		if err == nil {
			return res, nil
		}
		lastErr = err
		switch domain.KindOf(err) {
		case domain.KindSequencerContention, domain.KindUnavailable:
			select {
			case <-ctx.Done():
				return store.AppendResult{}, domain.Wrap(domain.KindUnavailable, "CANCELLED", "append cancelled", ctx.Err())
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > backoffCap {
				backoff = backoffCap
			}
		default:
			return store.AppendResult{}, err
		}
	}
	return store.AppendResult{}, lastErr
}

// emitPersisted publishes the fan-out event. Failures are logged and counted;
// the client already has its 201.
func (s *Service) emitPersisted(ctx context.Context, msg domain.Message, conv *domain.Conversation, senderDeviceID string) {
	ev := bus.PersistedEvent{
		Message:        msg,
		Recipients:     conv.ActiveParticipantIDs(),
		Ciphertext:     msg.EncryptedContent,
		SenderDeviceID: senderDeviceID,
	}
	if err := s.bus.PublishPersisted(ctx, ev); err != nil {
		metrics.FanoutDropped.Inc()
		s.logger.Error().
			Err(err).
			Str("message_id", msg.ID.String()).
			Str("conversation_id", msg.ConversationID.String()).
			Msg("Fan-out publish failed; delivery deferred to replay")
	}
}

func conversationKey(id uuid.UUID) string { return "conv:" + id.String() }

// loadConversation is the cache read-through used by both the send path and
// the conversation API. Cache misses and failures fall to the store.
func (s *Service) loadConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	if conv, ok := cache.GetJSON[domain.Conversation](ctx, s.cache, conversationKey(id)); ok {
		return conv, nil
	}
	conv, err := s.store.FindConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	cache.SetJSON(ctx, s.cache, conversationKey(id), *conv, conversationCacheTTL)
	return conv, nil
}
