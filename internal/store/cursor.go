package store

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/veilchat/veild/internal/domain"
)

// CursorToken is the decoded form of an opaque list cursor: the
// (createdAt, id) of the last emitted message.
type CursorToken struct {
	CreatedAt time.Time `json:"t"`
	ID        uuid.UUID `json:"i"`
}

// EncodeCursor builds the opaque continuation token for a page ending at m.
func EncodeCursor(m domain.Message) string {
	raw, _ := json.Marshal(CursorToken{CreatedAt: m.CreatedAt, ID: m.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a client-supplied cursor. An empty cursor means "from
// the beginning"; a malformed one is a validation error, not a silent reset.
func DecodeCursor(s string) (*CursorToken, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, domain.Validationf("INVALID_CURSOR", "cursor is not decodable")
	}
	var tok CursorToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, domain.Validationf("INVALID_CURSOR", "cursor is not decodable")
	}
	return &tok, nil
}

// ClampLimit normalizes a page size into [1, MaxListLimit], defaulting to 50.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// AfterCursor reports whether m sorts strictly after the cursor position in
// (createdAt, id) order.
func AfterCursor(m domain.Message, tok *CursorToken) bool {
	if tok == nil {
		return true
	}
	if m.CreatedAt.After(tok.CreatedAt) {
		return true
	}
	if m.CreatedAt.Equal(tok.CreatedAt) {
		return m.ID.String() > tok.ID.String()
	}
	return false
}
