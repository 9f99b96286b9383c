package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veild/internal/auth"
	"github.com/veilchat/veild/internal/bus"
	"github.com/veilchat/veild/internal/cache"
	"github.com/veilchat/veild/internal/ingest"
	"github.com/veilchat/veild/internal/logging"
	"github.com/veilchat/veild/internal/metrics"
	"github.com/veilchat/veild/internal/ratelimit"
	"github.com/veilchat/veild/internal/store/memstore"
)

type apiFixture struct {
	handler http.Handler

	alice uuid.UUID
	bob   uuid.UUID
}

func newAPIFixture(t *testing.T, sendLimit int) *apiFixture {
	t.Helper()
	metrics.Reset()

	st := memstore.New()
	ca, err := cache.New(cache.Options{
		Namespace: "test",
		NodeID:    "n1",
		Backend:   cache.NewMemoryBackend(),
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.Options{
		Counters: ratelimit.NewMemoryCounters(),
		Limits: map[string]ratelimit.Limit{
			ratelimit.RouteSend: {Max: sendLimit, Window: time.Minute},
			ratelimit.RouteList: {Max: 120, Window: time.Minute},
		},
		Logger: logging.Nop(),
	})

	svc := ingest.New(st, ca, limiter, bus.NewMemoryBus(), logging.Nop())
	srv := New(Options{
		Addr:    ":0",
		Service: svc,
		Auth:    auth.InsecureVerifier{},
		Logger:  logging.Nop(),
	})
	return &apiFixture{
		handler: srv.Handler(),
		alice:   uuid.New(),
		bob:     uuid.New(),
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, as uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if as != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+as.String())
		req.Header.Set("X-Device-Id", "dev-"+as.String()[:8])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createGroup(t *testing.T) uuid.UUID {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/conversations", f.alice, map[string]any{
		"type":           "group",
		"participantIds": []string{f.bob.String()},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Conversation struct {
			ID uuid.UUID `json:"id"`
		} `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Conversation.ID
}

func sendBody(convID, sender uuid.UUID, content string) map[string]any {
	return map[string]any{
		"conversationId":   convID.String(),
		"senderId":         sender.String(),
		"type":             "text",
		"encryptedContent": base64.RawURLEncoding.EncodeToString([]byte(content)),
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestSendMessageCreatedThenIdempotentReplay(t *testing.T) {
	f := newAPIFixture(t, 30)
	convID := f.createGroup(t)

	body := sendBody(convID, f.alice, "hello")
	body["idempotencyKey"] = "retry-1"

	rec := f.do(t, http.MethodPost, "/v1/messages", f.alice, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var first struct {
		Message messageView `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, uint64(1), first.Message.Seq)
	assert.NotContains(t, rec.Body.String(), "encryptedContent")

	rec = f.do(t, http.MethodPost, "/v1/messages", f.alice, body)
	require.Equal(t, http.StatusOK, rec.Code, "replay returns the original, not a new message")

	var second struct {
		Message messageView `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, first.Message.Seq, second.Message.Seq)
}

func TestSendMessageIdempotencyKeyHeaderWins(t *testing.T) {
	f := newAPIFixture(t, 30)
	convID := f.createGroup(t)

	body := sendBody(convID, f.alice, "hello")
	body["idempotencyKey"] = "from-body"

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(mustJSON(t, body)))
	req.Header.Set("Authorization", "Bearer "+f.alice.String())
	req.Header.Set("Idempotency-Key", "from-header")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Same header key replays even though the body key differs.
	body["idempotencyKey"] = "other"
	req = httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(mustJSON(t, body)))
	req.Header.Set("Authorization", "Bearer "+f.alice.String())
	req.Header.Set("Idempotency-Key", "from-header")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t, 30)

	rec := f.do(t, http.MethodPost, "/v1/messages", uuid.Nil, sendBody(uuid.New(), f.alice, "x"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "MISSING_TOKEN", errorCode(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer not-a-uuid")
	rec2 := httptest.NewRecorder()
	f.handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, rec2))
}

func TestSendMessageValidationStatus(t *testing.T) {
	f := newAPIFixture(t, 30)
	convID := f.createGroup(t)

	body := sendBody(convID, f.alice, "x")
	body["type"] = "gif"
	rec := f.do(t, http.MethodPost, "/v1/messages", f.alice, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TYPE", errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/v1/messages", f.alice, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_JSON", errorCode(t, rec))
}

func TestSendMessageForbiddenForOutsider(t *testing.T) {
	f := newAPIFixture(t, 30)
	convID := f.createGroup(t)
	outsider := uuid.New()

	rec := f.do(t, http.MethodPost, "/v1/messages", outsider, sendBody(convID, outsider, "x"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_A_PARTICIPANT", errorCode(t, rec))
}

func TestSendMessageBodyTooLarge(t *testing.T) {
	f := newAPIFixture(t, 30)
	convID := f.createGroup(t)

	body := sendBody(convID, f.alice, "x")
	body["encryptedContent"] = strings.Repeat("A", maxBodyBytes+1024)
	rec := f.do(t, http.MethodPost, "/v1/messages", f.alice, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errorCode(t, rec))
}

func TestSendMessageRateLimited(t *testing.T) {
	f := newAPIFixture(t, 2)
	convID := f.createGroup(t)

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/v1/messages", f.alice, sendBody(convID, f.alice, fmt.Sprintf("m%d", i)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/v1/messages", f.alice, sendBody(convID, f.alice, "over"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	retryAfter := rec.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.NotEqual(t, "0", retryAfter)
}

func TestListMessagesPaginates(t *testing.T) {
	f := newAPIFixture(t, 30)
	convID := f.createGroup(t)

	for i := 0; i < 7; i++ {
		rec := f.do(t, http.MethodPost, "/v1/messages", f.alice, sendBody(convID, f.alice, fmt.Sprintf("m%d", i)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	type page struct {
		Messages   []messageView `json:"messages"`
		NextCursor string        `json:"nextCursor"`
	}

	var seen []uint64
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		path := "/v1/messages/conversation/" + convID.String() + "?limit=3"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		rec := f.do(t, http.MethodGet, path, f.bob, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var p page
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
		for _, m := range p.Messages {
			seen = append(seen, m.Seq)
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	assert.Len(t, seen, 7, "pagination must cover every message exactly once")
}

func TestListMessagesRejectsBadCursor(t *testing.T) {
	f := newAPIFixture(t, 30)
	convID := f.createGroup(t)

	rec := f.do(t, http.MethodGet, "/v1/messages/conversation/"+convID.String()+"?cursor=%21%21bogus", f.alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationLifecycle(t *testing.T) {
	f := newAPIFixture(t, 30)
	convID := f.createGroup(t)

	rec := f.do(t, http.MethodGet, "/v1/conversations/"+convID.String(), f.bob, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	outsider := uuid.New()
	rec = f.do(t, http.MethodGet, "/v1/conversations/"+convID.String(), outsider, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Add, then remove, a participant.
	carol := uuid.New()
	rec = f.do(t, http.MethodPost, "/v1/conversations/"+convID.String()+"/participants", f.alice,
		map[string]string{"userId": carol.String()})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/conversations/"+convID.String()+"/participants/"+carol.String(), f.alice, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Members cannot delete the conversation; the owner can.
	rec = f.do(t, http.MethodDelete, "/v1/conversations/"+convID.String(), f.bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/conversations/"+convID.String(), f.alice, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/conversations/"+convID.String(), f.alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkReadEndpoint(t *testing.T) {
	f := newAPIFixture(t, 30)
	convID := f.createGroup(t)

	rec := f.do(t, http.MethodPost, "/v1/messages", f.alice, sendBody(convID, f.alice, "hello"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Message messageView `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/v1/conversations/"+convID.String()+"/read", f.bob,
		map[string]any{"messageIds": []string{created.Message.ID.String()}})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/messages/conversation/"+convID.String(), f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p struct {
		Messages []messageView `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Len(t, p.Messages, 1)
	assert.Equal(t, "read", p.Messages[0].Status)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, 30)

	rec := f.do(t, http.MethodGet, "/health", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])

	// Exercise one counted path so the exposition is not empty.
	convID := f.createGroup(t)
	f.do(t, http.MethodPost, "/v1/messages", f.alice, sendBody(convID, f.alice, "x"))

	rec = f.do(t, http.MethodGet, "/metrics", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "veild_ingest_total")
}
