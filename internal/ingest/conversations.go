package ingest

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/veilchat/veild/internal/domain"
	"github.com/veilchat/veild/internal/ratelimit"
	"github.com/veilchat/veild/internal/store"
)

// CreateConversationCommand creates a direct or group conversation. The
// creator becomes owner and is always included.
type CreateConversationCommand struct {
	Type                  string
	ParticipantIDs        []string
	WhoCanAddParticipants string
}

func (s *Service) CreateConversation(ctx context.Context, cmd CreateConversationCommand, auth AuthContext) (*domain.Conversation, error) {
	convType := domain.ConversationType(cmd.Type)
	if !convType.Valid() {
		return nil, domain.Validationf("INVALID_TYPE", "conversation type %q is not recognized", cmd.Type)
	}

	now := s.now().UTC()
	seen := map[uuid.UUID]bool{auth.UserID: true}
	participants := []domain.Participant{{UserID: auth.UserID, Role: domain.RoleOwner, JoinedAt: now}}
	for _, raw := range cmd.ParticipantIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, domain.Validationf("INVALID_PARTICIPANT_ID", "participant id %q is not a UUID", raw)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, domain.Participant{UserID: id, Role: domain.RoleMember, JoinedAt: now})
	}

	// Direct conversations carry exactly two distinct participants and their
	// membership is immutable afterwards.
	if convType == domain.ConversationDirect && len(participants) != 2 {
		return nil, domain.Validationf("INVALID_DIRECT_MEMBERSHIP", "direct conversations require exactly two distinct participants")
	}

	who := domain.RoleAdmin
	if cmd.WhoCanAddParticipants != "" {
		who = domain.Role(cmd.WhoCanAddParticipants)
		if !who.Valid() {
			return nil, domain.Validationf("INVALID_SETTINGS", "whoCanAddParticipants %q is not a role", cmd.WhoCanAddParticipants)
		}
	}

	conv := domain.Conversation{
		ID:           uuid.New(),
		Type:         convType,
		Participants: participants,
		Settings:     domain.ConversationSettings{WhoCanAddParticipants: who},
		CreatedAt:    now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversation returns the conversation to a current or former participant.
func (s *Service) GetConversation(ctx context.Context, id uuid.UUID, auth AuthContext) (*domain.Conversation, error) {
	conv, err := s.loadConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Participant(auth.UserID) == nil {
		return nil, domain.ErrNotParticipant
	}
	return conv, nil
}

// DeleteConversation soft-deletes; owner only. History stays readable to
// former participants until retention removes it.
func (s *Service) DeleteConversation(ctx context.Context, id uuid.UUID, auth AuthContext) error {
	conv, err := s.loadConversation(ctx, id)
	if err != nil {
		return err
	}
	actor := conv.Participant(auth.UserID)
	if actor == nil || !actor.Active() {
		return domain.ErrNotParticipant
	}
	if actor.Role != domain.RoleOwner {
		return domain.E(domain.KindForbidden, "ROLE_TOO_LOW", "only the owner may delete a conversation")
	}
	if err := s.store.SoftDeleteConversation(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.cache.Delete(ctx, conversationKey(id))
	return nil
}

func (s *Service) AddParticipant(ctx context.Context, conversationID uuid.UUID, userID uuid.UUID, auth AuthContext) error {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Type == domain.ConversationDirect {
		return domain.E(domain.KindForbidden, "DIRECT_IMMUTABLE", "direct conversation membership cannot change")
	}
	actor := conv.Participant(auth.UserID)
	if actor == nil || !actor.Active() {
		return domain.ErrNotParticipant
	}
	if !conv.CanAddParticipants(actor.Role) {
		return domain.E(domain.KindForbidden, "ROLE_TOO_LOW", "role may not add participants")
	}
	if err := s.store.AddParticipant(ctx, conversationID, domain.Participant{
		UserID:   userID,
		Role:     domain.RoleMember,
		JoinedAt: s.now().UTC(),
	}); err != nil {
		return err
	}
	s.cache.Delete(ctx, conversationKey(conversationID))
	return nil
}

// RemoveParticipant removes userID; members may remove themselves (leave),
// admins and owners may remove others. Owners are irremovable.
func (s *Service) RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID, auth AuthContext) error {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Type == domain.ConversationDirect {
		return domain.E(domain.KindForbidden, "DIRECT_IMMUTABLE", "direct conversation membership cannot change")
	}
	actor := conv.Participant(auth.UserID)
	if actor == nil || !actor.Active() {
		return domain.ErrNotParticipant
	}
	if userID != auth.UserID && actor.Role == domain.RoleMember {
		return domain.E(domain.KindForbidden, "ROLE_TOO_LOW", "members may only remove themselves")
	}
	if err := s.store.RemoveParticipant(ctx, conversationID, userID, s.now().UTC()); err != nil {
		return err
	}
	s.cache.Delete(ctx, conversationKey(conversationID))
	return nil
}

// MarkRead records lastReadAt for the caller and flips the listed messages
// to read.
func (s *Service) MarkRead(ctx context.Context, conversationID uuid.UUID, messageIDs []uuid.UUID, auth AuthContext) error {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsActiveParticipant(auth.UserID) {
		return domain.ErrNotParticipant
	}
	at := s.now().UTC()
	if len(messageIDs) > 0 {
		if err := s.store.MarkManyRead(ctx, messageIDs, at); err != nil {
			return err
		}
	}
	if err := s.store.SetLastRead(ctx, conversationID, auth.UserID, at); err != nil {
		return err
	}
	s.cache.Delete(ctx, conversationKey(conversationID))
	return nil
}

// ListMessages pages a conversation's history for a participant, under the
// list rate limit.
func (s *Service) ListMessages(ctx context.Context, f store.ListFilter, cursor string, limit int, auth AuthContext) ([]domain.Message, string, error) {
	conv, err := s.loadConversation(ctx, f.ConversationID)
	if err != nil {
		return nil, "", err
	}
	if conv.Participant(auth.UserID) == nil {
		return nil, "", domain.ErrNotParticipant
	}

	if d := s.limiter.Allow(ctx, ratelimit.RouteList, map[string]string{
		"account": auth.UserID.String(),
	}); !d.Allowed {
		return nil, "", &domain.Error{
			Kind:          domain.KindRateLimited,
			Code:          "RATE_LIMITED",
			Msg:           "list rate limit exceeded",
			RetryAfterSec: int(math.Ceil(d.RetryAfter.Seconds())),
		}
	}

	return s.store.List(ctx, f, cursor, limit)
}
