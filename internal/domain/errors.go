package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error independently of the transport that surfaces it.
// The HTTP and WebSocket edges map kinds onto status/close codes.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindRateLimited
	KindPayloadTooLarge
	KindSequencerContention
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindSequencerContention:
		return "sequencer_contention"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error carries a machine-readable code alongside the classification.
// Validation and auth errors surface to clients verbatim; everything else is
// reduced to kind + code at the edge.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
	// RetryAfterSec accompanies RateLimited errors and surfaces as the
	// Retry-After header.
	RetryAfterSec int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

func Validationf(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification from any error chain.
// Unknown errors are internal by policy.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code, or "INTERNAL" for unclassified errors.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "INTERNAL"
}

// Common sentinel constructors used across stores and services.
var (
	ErrMessageNotFound      = E(KindNotFound, "MESSAGE_NOT_FOUND", "message does not exist")
	ErrConversationNotFound = E(KindNotFound, "CONVERSATION_NOT_FOUND", "conversation does not exist")
	ErrNotParticipant       = E(KindForbidden, "NOT_A_PARTICIPANT", "sender is not a participant of the conversation")
	ErrDuplicateSeq         = E(KindConflict, "DUPLICATE_SEQ", "sequence already assigned for conversation")
	ErrSequencerContention  = E(KindSequencerContention, "SEQUENCER_CONTENTION", "could not assign sequence after bounded retries")
)
