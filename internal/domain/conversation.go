package domain

import (
	"time"

	"github.com/google/uuid"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

func (t ConversationType) Valid() bool {
	return t == ConversationDirect || t == ConversationGroup
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

type Participant struct {
	UserID     uuid.UUID  `json:"userId"`
	Role       Role       `json:"role"`
	JoinedAt   time.Time  `json:"joinedAt"`
	LeftAt     *time.Time `json:"leftAt,omitempty"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

// Active reports whether the participant currently receives delivery.
// A participant with leftAt set is excluded until re-added.
func (p Participant) Active() bool { return p.LeftAt == nil }

// ConversationSettings gates membership mutations.
type ConversationSettings struct {
	// WhoCanAddParticipants is "owner", "admin" or "member" (least privileged
	// role allowed to add).
	WhoCanAddParticipants Role `json:"whoCanAddParticipants"`
}

type Conversation struct {
	ID                 uuid.UUID            `json:"id"`
	Type               ConversationType     `json:"type"`
	Participants       []Participant        `json:"participants"`
	Settings           ConversationSettings `json:"settings"`
	LastMessageID      *uuid.UUID           `json:"lastMessageId,omitempty"`
	LastMessagePreview string               `json:"lastMessagePreview,omitempty"`
	LastMessageAt      *time.Time           `json:"lastMessageAt,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	DeletedAt          *time.Time           `json:"deletedAt,omitempty"`
}

// Participant returns the participant entry for userID, joined or left.
func (c *Conversation) Participant(userID uuid.UUID) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// IsActiveParticipant reports whether userID is a current (non-left) member.
func (c *Conversation) IsActiveParticipant(userID uuid.UUID) bool {
	p := c.Participant(userID)
	return p != nil && p.Active()
}

// ActiveParticipantIDs returns the delivery set for fan-out.
func (c *Conversation) ActiveParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.Active() {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// roleRank orders roles for permission checks; higher outranks lower.
var roleRank = map[Role]int{RoleMember: 0, RoleAdmin: 1, RoleOwner: 2}

// CanAddParticipants reports whether a member with role r may add participants
// under the conversation settings.
func (c *Conversation) CanAddParticipants(r Role) bool {
	min, ok := roleRank[c.Settings.WhoCanAddParticipants]
	if !ok {
		min = roleRank[RoleAdmin]
	}
	return roleRank[r] >= min
}
