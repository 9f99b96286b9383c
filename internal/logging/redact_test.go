package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactedDenyList(t *testing.T) {
	for _, field := range []string{
		"refresh_token",
		"recovery_code",
		"pairing_token",
		"authorization",
		"encryptedContent",
		"EncryptedContent",
	} {
		placeholder, ok := Redacted(field)
		assert.True(t, ok, field)
		assert.Equal(t, "[Redacted]", placeholder)
	}

	_, ok := Redacted("conversation_id")
	assert.False(t, ok)
}

func TestRedactMap(t *testing.T) {
	out := RedactMap(map[string]any{
		"user_id":       "u-1",
		"refresh_token": "secret",
		"Authorization": "Bearer abc",
	})
	assert.Equal(t, "u-1", out["user_id"])
	assert.Equal(t, "[Redacted]", out["refresh_token"])
	assert.Equal(t, "[Redacted]", out["Authorization"])
}

func TestShortenToken(t *testing.T) {
	short := ShortenToken("Bearer super-secret-token")
	assert.True(t, strings.HasPrefix(short, "***"))
	assert.Len(t, short, 11)
	assert.NotContains(t, short, "secret")

	// Stable across calls, distinct across tokens.
	assert.Equal(t, short, ShortenToken("super-secret-token"))
	assert.NotEqual(t, short, ShortenToken("another-token"))

	assert.Empty(t, ShortenToken("  "))
}
