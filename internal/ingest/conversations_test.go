package ingest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veild/internal/domain"
	"github.com/veilchat/veild/internal/store"
)

func TestCreateDirectConversation(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	peer := uuid.New()
	conv, err := f.svc.CreateConversation(ctx, CreateConversationCommand{
		Type:           "direct",
		ParticipantIDs: []string{peer.String()},
	}, f.authAlice())
	require.NoError(t, err)

	assert.Equal(t, domain.ConversationDirect, conv.Type)
	require.Len(t, conv.Participants, 2)
	assert.Equal(t, domain.RoleOwner, conv.Participants[0].Role)
	assert.Equal(t, f.alice, conv.Participants[0].UserID)
}

func TestCreateDirectRequiresExactlyTwo(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	// Creator alone (duplicates of the creator collapse).
	_, err := f.svc.CreateConversation(ctx, CreateConversationCommand{
		Type:           "direct",
		ParticipantIDs: []string{f.alice.String()},
	}, f.authAlice())
	require.Error(t, err)
	assert.Equal(t, "INVALID_DIRECT_MEMBERSHIP", domain.CodeOf(err))

	// Three distinct members.
	_, err = f.svc.CreateConversation(ctx, CreateConversationCommand{
		Type:           "direct",
		ParticipantIDs: []string{uuid.NewString(), uuid.NewString()},
	}, f.authAlice())
	require.Error(t, err)
	assert.Equal(t, "INVALID_DIRECT_MEMBERSHIP", domain.CodeOf(err))
}

func TestDirectMembershipImmutable(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	peer := uuid.New()
	conv, err := f.svc.CreateConversation(ctx, CreateConversationCommand{
		Type:           "direct",
		ParticipantIDs: []string{peer.String()},
	}, f.authAlice())
	require.NoError(t, err)

	err = f.svc.AddParticipant(ctx, conv.ID, uuid.New(), f.authAlice())
	require.Error(t, err)
	assert.Equal(t, "DIRECT_IMMUTABLE", domain.CodeOf(err))

	err = f.svc.RemoveParticipant(ctx, conv.ID, peer, f.authAlice())
	require.Error(t, err)
	assert.Equal(t, "DIRECT_IMMUTABLE", domain.CodeOf(err))
}

func TestAddParticipantRoleGate(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	// Settings require admin; bob is a member.
	err := f.svc.AddParticipant(ctx, f.conversationID, uuid.New(), AuthContext{UserID: f.bob})
	require.Error(t, err)
	assert.Equal(t, "ROLE_TOO_LOW", domain.CodeOf(err))

	// The owner may add.
	newbie := uuid.New()
	require.NoError(t, f.svc.AddParticipant(ctx, f.conversationID, newbie, f.authAlice()))
	conv, err := f.svc.GetConversation(ctx, f.conversationID, f.authAlice())
	require.NoError(t, err)
	assert.True(t, conv.IsActiveParticipant(newbie))
}

func TestMemberMayOnlyRemoveSelf(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	err := f.svc.RemoveParticipant(ctx, f.conversationID, f.alice, AuthContext{UserID: f.bob})
	require.Error(t, err)

	// Leaving is always allowed.
	require.NoError(t, f.svc.RemoveParticipant(ctx, f.conversationID, f.bob, AuthContext{UserID: f.bob}))
}

func TestGetConversationParticipantOnly(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	_, err := f.svc.GetConversation(ctx, f.conversationID, AuthContext{UserID: f.outsider})
	require.Error(t, err)
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	_, err = f.svc.GetConversation(ctx, f.conversationID, AuthContext{UserID: f.bob})
	require.NoError(t, err)
}

func TestDeleteConversationOwnerOnly(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	err := f.svc.DeleteConversation(ctx, f.conversationID, AuthContext{UserID: f.bob})
	require.Error(t, err)
	assert.Equal(t, "ROLE_TOO_LOW", domain.CodeOf(err))

	require.NoError(t, f.svc.DeleteConversation(ctx, f.conversationID, f.authAlice()))

	_, err = f.svc.GetConversation(ctx, f.conversationID, f.authAlice())
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestMarkReadUpdatesStatusesAndCursor(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, f.sendCmd("hello"), f.authAlice())
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkRead(ctx, f.conversationID, []uuid.UUID{res.Message.ID}, AuthContext{UserID: f.bob}))

	msgs, _, err := f.svc.ListMessages(ctx, store.ListFilter{ConversationID: f.conversationID}, "", 10, f.authAlice())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.StatusRead, msgs[0].Status)

	conv, err := f.svc.GetConversation(ctx, f.conversationID, f.authAlice())
	require.NoError(t, err)
	assert.NotNil(t, conv.Participant(f.bob).LastReadAt)
}

func TestListMessagesParticipantOnly(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, f.sendCmd("hello"), f.authAlice())
	require.NoError(t, err)

	_, _, err = f.svc.ListMessages(ctx, store.ListFilter{ConversationID: f.conversationID}, "", 10, AuthContext{UserID: f.outsider})
	require.Error(t, err)
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))
}
