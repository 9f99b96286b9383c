package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// denyList enumerates fields whose values must never reach a log line.
// encryptedContent is ciphertext, the rest are credentials.
var denyList = map[string]struct{}{
	"refresh_token":    {},
	"recovery_code":    {},
	"pairing_token":    {},
	"authorization":    {},
	"encryptedcontent": {},
}

const redactedPlaceholder = "[Redacted]"

// Redacted reports whether the named field is deny-listed and returns the
// placeholder to log in place of its value.
func Redacted(field string) (string, bool) {
	_, ok := denyList[strings.ToLower(field)]
	if !ok {
		return "", false
	}
	return redactedPlaceholder, true
}

// RedactMap returns a copy of fields with deny-listed values replaced.
// Used when logging request context maps.
func RedactMap(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if placeholder, ok := Redacted(k); ok {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// ShortenToken reduces a bearer token to ***<sha256-first-8> so correlated
// log lines can still be joined without exposing the credential.
func ShortenToken(token string) string {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "***" + hex.EncodeToString(sum[:])[:8]
}
