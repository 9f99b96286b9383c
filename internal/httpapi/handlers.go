package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/veilchat/veild/internal/domain"
	"github.com/veilchat/veild/internal/ingest"
	"github.com/veilchat/veild/internal/store"
)

type sendMessageRequest struct {
	ConversationID   string `json:"conversationId"`
	SenderID         string `json:"senderId"`
	Type             string `json:"type"`
	EncryptedContent string `json:"encryptedContent"`
	PayloadSizeBytes int    `json:"payloadSizeBytes"`
	IdempotencyKey   string `json:"idempotencyKey"`
}

// messageView is the client-facing shape. Ciphertext is intentionally absent;
// recipients receive it over the socket, and history reads return metadata
// plus sizes only unless the payload is requested explicitly.
type messageView struct {
	ID               uuid.UUID  `json:"id"`
	ConversationID   uuid.UUID  `json:"conversationId"`
	SenderID         uuid.UUID  `json:"senderId"`
	Type             string     `json:"type"`
	Seq              uint64     `json:"seq"`
	Status           string     `json:"status"`
	PayloadSizeBytes int        `json:"payloadSizeBytes"`
	CreatedAt        time.Time  `json:"createdAt"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
	ReadAt           *time.Time `json:"readAt,omitempty"`
}

func viewOf(m domain.Message) messageView {
	return messageView{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		Type:             string(m.Type),
		Seq:              m.Seq,
		Status:           string(m.Status),
		PayloadSizeBytes: m.PayloadSizeBytes,
		CreatedAt:        m.CreatedAt,
		DeliveredAt:      m.DeliveredAt,
		ReadAt:           m.ReadAt,
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	res, err := s.svc.Send(r.Context(), ingest.SendCommand{
		ConversationID:   req.ConversationID,
		SenderID:         req.SenderID,
		Type:             req.Type,
		EncryptedContent: req.EncryptedContent,
		PayloadSizeBytes: req.PayloadSizeBytes,
		IdempotencyKey:   req.IdempotencyKey,
	}, authFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		// Idempotent replay: same message, no new sequence.
		status = http.StatusOK
	}
	s.writeJSON(w, status, map[string]any{"message": viewOf(res.Message)})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, domain.Validationf("INVALID_CONVERSATION_ID", "conversation id is not a UUID"))
		return
	}

	q := r.URL.Query()
	f := store.ListFilter{ConversationID: convID}
	if v := q.Get("senderId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.writeError(w, r, domain.Validationf("INVALID_SENDER_ID", "senderId is not a UUID"))
			return
		}
		f.SenderID = &id
	}
	if v := q.Get("type"); v != "" {
		t := domain.MessageType(v)
		if !t.Valid() {
			s.writeError(w, r, domain.Validationf("INVALID_TYPE", "type %q is not recognized", v))
			return
		}
		f.Type = &t
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, domain.Validationf("INVALID_RANGE", "before is not RFC3339"))
			return
		}
		f.Before = &t
	}
	if v := q.Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, domain.Validationf("INVALID_RANGE", "after is not RFC3339"))
			return
		}
		f.After = &t
	}
	f.IncludeDeleted = q.Get("includeDeleted") == "true"

	limit := store.ClampLimit(atoiDefault(q.Get("limit"), 0))
	msgs, next, err := s.svc.ListMessages(r.Context(), f, q.Get("cursor"), limit, authFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = viewOf(m)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"messages":   views,
		"nextCursor": next,
	})
}

type createConversationRequest struct {
	Type                  string   `json:"type"`
	ParticipantIDs        []string `json:"participantIds"`
	WhoCanAddParticipants string   `json:"whoCanAddParticipants"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	conv, err := s.svc.CreateConversation(r.Context(), ingest.CreateConversationCommand{
		Type:                  req.Type,
		ParticipantIDs:        req.ParticipantIDs,
		WhoCanAddParticipants: req.WhoCanAddParticipants,
	}, authFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, domain.Validationf("INVALID_CONVERSATION_ID", "conversation id is not a UUID"))
		return
	}
	conv, err := s.svc.GetConversation(r.Context(), convID, authFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, domain.Validationf("INVALID_CONVERSATION_ID", "conversation id is not a UUID"))
		return
	}
	if err := s.svc.DeleteConversation(r.Context(), convID, authFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addParticipantRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, domain.Validationf("INVALID_CONVERSATION_ID", "conversation id is not a UUID"))
		return
	}
	var req addParticipantRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		s.writeError(w, r, domain.Validationf("INVALID_PARTICIPANT_ID", "userId is not a UUID"))
		return
	}
	if err := s.svc.AddParticipant(r.Context(), convID, userID, authFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, domain.Validationf("INVALID_CONVERSATION_ID", "conversation id is not a UUID"))
		return
	}
	userID, err := uuid.Parse(r.PathValue("userId"))
	if err != nil {
		s.writeError(w, r, domain.Validationf("INVALID_PARTICIPANT_ID", "userId is not a UUID"))
		return
	}
	if err := s.svc.RemoveParticipant(r.Context(), convID, userID, authFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, domain.Validationf("INVALID_CONVERSATION_ID", "conversation id is not a UUID"))
		return
	}
	var req markReadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ids := make([]uuid.UUID, 0, len(req.MessageIDs))
	for _, raw := range req.MessageIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, r, domain.Validationf("INVALID_MESSAGE_ID", "messageIds entry %q is not a UUID", raw))
			return
		}
		ids = append(ids, id)
	}
	if err := s.svc.MarkRead(r.Context(), convID, ids, authFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.hub != nil {
		body["sessions"] = s.hub.Sessions()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
