package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veild/internal/domain"
	"github.com/veilchat/veild/internal/store"
)

func newMessage(convID, senderID uuid.UUID, at time.Time) domain.Message {
	return domain.Message{
		ID:               uuid.New(),
		ConversationID:   convID,
		SenderID:         senderID,
		Type:             domain.MessageText,
		EncryptedContent: []byte("ciphertext"),
		PayloadSizeBytes: 10,
		Status:           domain.StatusSent,
		CreatedAt:        at,
	}
}

func TestAppendAssignsDenseSequence(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	sender := uuid.New()

	for i := 1; i <= 5; i++ {
		res, err := s.Append(ctx, store.AppendInput{
			Message: newMessage(convID, sender, time.Now()),
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), res.Message.Seq)
		assert.False(t, res.Replayed)
	}

	tip, err := s.TipSeq(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), tip)
}

func TestAppendConcurrentSequencesStayDense(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	sender := uuid.New()

	const writers = 32
	var wg sync.WaitGroup
	seqs := make(chan uint64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Append(ctx, store.AppendInput{
				Message: newMessage(convID, sender, time.Now()),
			})
			if err == nil {
				seqs <- res.Message.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "seq %d assigned twice", seq)
		seen[seq] = true
	}
	require.Len(t, seen, writers)
	for i := uint64(1); i <= writers; i++ {
		assert.True(t, seen[i], "seq %d missing", i)
	}
}

func TestAppendIdempotencyReplaysOriginal(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	sender := uuid.New()

	first, err := s.Append(ctx, store.AppendInput{
		Message:        newMessage(convID, sender, time.Now()),
		IdempotencyKey: "retry-abc",
	})
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := s.Append(ctx, store.AppendInput{
		Message:        newMessage(convID, sender, time.Now()),
		IdempotencyKey: "retry-abc",
	})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, first.Message.Seq, second.Message.Seq)

	tip, _ := s.TipSeq(ctx, convID)
	assert.Equal(t, uint64(1), tip, "replay must not advance the sequence")
}

func TestAppendIdempotencyScopedToSender(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()

	a, err := s.Append(ctx, store.AppendInput{
		Message:        newMessage(convID, uuid.New(), time.Now()),
		IdempotencyKey: "shared-key",
	})
	require.NoError(t, err)
	b, err := s.Append(ctx, store.AppendInput{
		Message:        newMessage(convID, uuid.New(), time.Now()),
		IdempotencyKey: "shared-key",
	})
	require.NoError(t, err)

	assert.False(t, b.Replayed)
	assert.NotEqual(t, a.Message.ID, b.Message.ID)
}

func TestAppendIdempotencyExpires(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	sender := uuid.New()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	first, err := s.Append(ctx, store.AppendInput{
		Message:        newMessage(convID, sender, now),
		IdempotencyKey: "k",
	})
	require.NoError(t, err)

	now = now.Add(25 * time.Hour)
	second, err := s.Append(ctx, store.AppendInput{
		Message:        newMessage(convID, sender, now),
		IdempotencyKey: "k",
	})
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Message.ID, second.Message.ID)
}

func TestListPaginatesWithCursor(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	sender := uuid.New()

	base := time.Now().UTC()
	for i := 0; i < 7; i++ {
		_, err := s.Append(ctx, store.AppendInput{
			Message: newMessage(convID, sender, base.Add(time.Duration(i)*time.Second)),
		})
		require.NoError(t, err)
	}

	var all []domain.Message
	cursor := ""
	pages := 0
	for {
		items, next, err := s.List(ctx, store.ListFilter{ConversationID: convID}, cursor, 3)
		require.NoError(t, err)
		all = append(all, items...)
		pages++
		if next == "" || len(items) == 0 {
			break
		}
		cursor = next
	}

	require.Len(t, all, 7)
	assert.GreaterOrEqual(t, pages, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt), "order must be ascending")
	}
	seen := make(map[uuid.UUID]bool)
	for _, m := range all {
		assert.False(t, seen[m.ID], "message %s duplicated across pages", m.ID)
		seen[m.ID] = true
	}
}

func TestListRejectsMalformedCursor(t *testing.T) {
	s := New()
	_, _, err := s.List(context.Background(), store.ListFilter{ConversationID: uuid.New()}, "not-a-cursor", 10)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Equal(t, "INVALID_CURSOR", domain.CodeOf(err))
}

func TestListFilters(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	alice := uuid.New()
	bob := uuid.New()

	base := time.Now().UTC()
	m1 := newMessage(convID, alice, base)
	m2 := newMessage(convID, bob, base.Add(time.Second))
	m2.Type = domain.MessageImage
	m3 := newMessage(convID, alice, base.Add(2*time.Second))

	for _, m := range []domain.Message{m1, m2, m3} {
		_, err := s.Append(ctx, store.AppendInput{Message: m})
		require.NoError(t, err)
	}

	items, _, err := s.List(ctx, store.ListFilter{ConversationID: convID, SenderID: &alice}, "", 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	img := domain.MessageImage
	items, _, err = s.List(ctx, store.ListFilter{ConversationID: convID, Type: &img}, "", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, m2.ID, items[0].ID)
}

func TestSoftDeleteHidesUnlessRequested(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	sender := uuid.New()

	res, err := s.Append(ctx, store.AppendInput{Message: newMessage(convID, sender, time.Now())})
	require.NoError(t, err)
	require.NoError(t, s.SoftDelete(ctx, res.Message.ID, time.Now()))

	items, _, err := s.List(ctx, store.ListFilter{ConversationID: convID}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	items, _, err = s.List(ctx, store.ListFilter{ConversationID: convID, IncludeDeleted: true}, "", 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMarkStatusIsMonotonic(t *testing.T) {
	s := New()
	ctx := context.Background()
	res, err := s.Append(ctx, store.AppendInput{Message: newMessage(uuid.New(), uuid.New(), time.Now())})
	require.NoError(t, err)
	id := res.Message.ID

	require.NoError(t, s.MarkStatus(ctx, id, domain.StatusDelivered, time.Now()))
	require.NoError(t, s.MarkStatus(ctx, id, domain.StatusRead, time.Now()))

	err = s.MarkStatus(ctx, id, domain.StatusDelivered, time.Now())
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	got, err := s.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, got.Status)
	assert.NotNil(t, got.DeliveredAt)
	assert.NotNil(t, got.ReadAt)
}

func TestListRangeReturnsHalfOpenInterval(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	sender := uuid.New()

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, store.AppendInput{Message: newMessage(convID, sender, time.Now())})
		require.NoError(t, err)
	}

	msgs, err := s.ListRange(ctx, convID, 3, 8, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, uint64(4+i), m.Seq)
	}
}

func TestRemoveParticipantOwnerIsImmutable(t *testing.T) {
	s := New()
	ctx := context.Background()
	owner := uuid.New()
	member := uuid.New()
	convID := uuid.New()

	require.NoError(t, s.CreateConversation(ctx, domain.Conversation{
		ID:   convID,
		Type: domain.ConversationGroup,
		Participants: []domain.Participant{
			{UserID: owner, Role: domain.RoleOwner, JoinedAt: time.Now()},
			{UserID: member, Role: domain.RoleMember, JoinedAt: time.Now()},
		},
		CreatedAt: time.Now(),
	}))

	err := s.RemoveParticipant(ctx, convID, owner, time.Now())
	require.Error(t, err)
	assert.Equal(t, "OWNER_IMMUTABLE", domain.CodeOf(err))

	require.NoError(t, s.RemoveParticipant(ctx, convID, member, time.Now()))
	conv, err := s.FindConversation(ctx, convID)
	require.NoError(t, err)
	assert.False(t, conv.IsActiveParticipant(member))

	// Re-adding clears leftAt.
	require.NoError(t, s.AddParticipant(ctx, convID, domain.Participant{
		UserID: member, Role: domain.RoleMember, JoinedAt: time.Now(),
	}))
	conv, err = s.FindConversation(ctx, convID)
	require.NoError(t, err)
	assert.True(t, conv.IsActiveParticipant(member))
}

func TestSequencesIndependentAcrossConversations(t *testing.T) {
	s := New()
	ctx := context.Background()
	sender := uuid.New()

	for c := 0; c < 3; c++ {
		convID := uuid.New()
		for i := 1; i <= 4; i++ {
			res, err := s.Append(ctx, store.AppendInput{
				Message:        newMessage(convID, sender, time.Now()),
				IdempotencyKey: fmt.Sprintf("c%d-m%d", c, i),
			})
			require.NoError(t, err)
			assert.Equal(t, uint64(i), res.Message.Seq)
		}
	}
}
