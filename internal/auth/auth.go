// Package auth verifies bearer tokens issued by the identity service. Tokens
// are asymmetric JWTs (RS256 or EdDSA); the hub and HTTP API only ever hold
// the public key.
package auth

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilchat/veild/internal/domain"
	"github.com/veilchat/veild/internal/ingest"
)

// Verifier validates JWTs against a configured public key.
type Verifier struct {
	key    crypto.PublicKey
	logger zerolog.Logger
}

// NewVerifier parses a PEM-encoded RSA or Ed25519 public key.
func NewVerifier(publicKeyPEM string, logger zerolog.Logger) (*Verifier, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("JWT public key is not valid PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// PKCS#1 RSA keys are still common.
		rsaKey, rsaErr := x509.ParsePKCS1PublicKey(block.Bytes)
		if rsaErr != nil {
			return nil, fmt.Errorf("failed to parse JWT public key: %w", err)
		}
		key = rsaKey
	}
	switch key.(type) {
	case *rsa.PublicKey, ed25519.PublicKey:
	default:
		return nil, fmt.Errorf("unsupported JWT public key type %T", key)
	}
	return &Verifier{key: key, logger: logger}, nil
}

// Verify validates signature, expiry and subject, returning the account
// identity. Device and session bindings are supplied by the transport layer.
func (v *Verifier) Verify(ctx context.Context, token string) (ingest.AuthContext, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodEd25519:
			return v.key, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
	}, jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return ingest.AuthContext{}, domain.Wrap(domain.KindAuth, "INVALID_TOKEN", "token verification failed", err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return ingest.AuthContext{}, domain.E(domain.KindAuth, "INVALID_TOKEN", "token has no subject")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return ingest.AuthContext{}, domain.E(domain.KindAuth, "INVALID_TOKEN", "token subject is not an account id")
	}
	return ingest.AuthContext{UserID: userID}, nil
}

// InsecureVerifier accepts the raw account UUID as a token. Development and
// tests only; never enabled when JWT_PUBLIC_KEY is set.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(ctx context.Context, token string) (ingest.AuthContext, error) {
	userID, err := uuid.Parse(token)
	if err != nil {
		return ingest.AuthContext{}, domain.E(domain.KindAuth, "INVALID_TOKEN", "token is not an account id")
	}
	return ingest.AuthContext{UserID: userID}, nil
}
