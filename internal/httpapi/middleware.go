package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veilchat/veild/internal/domain"
	"github.com/veilchat/veild/internal/ingest"
)

type ctxKey int

const authKey ctxKey = iota

func authFrom(r *http.Request) ingest.AuthContext {
	v, _ := r.Context().Value(authKey).(ingest.AuthContext)
	return v
}

// requireAuth verifies the bearer token and binds the device and session
// headers into the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, r, domain.E(domain.KindAuth, "MISSING_TOKEN", "Authorization bearer token required"))
			return
		}
		authCtx, err := s.auth.Verify(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		authCtx.DeviceID = r.Header.Get("X-Device-Id")
		authCtx.SessionID = r.Header.Get("X-Session-Id")
		next(w, r.WithContext(context.WithValue(r.Context(), authKey, authCtx)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The WebSocket endpoint hijacks the connection; wrapping its writer
		// breaks the upgrade.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("Request")
	})
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindSequencerContention:
		return http.StatusConflict
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps domain errors onto HTTP statuses. Internal errors are
// logged with detail but surface as an opaque body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	body := errorBody{Code: domain.CodeOf(err), Message: err.Error()}

	switch kind {
	case domain.KindInternal:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		body = errorBody{Code: "INTERNAL", Message: "internal server error"}
	case domain.KindRateLimited:
		var de *domain.Error
		retryAfter := 1
		if errors.As(err, &de) && de.RetryAfterSec > 0 {
			retryAfter = de.RetryAfterSec
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	case domain.KindSequencerContention, domain.KindUnavailable:
		w.Header().Set("Retry-After", "1")
	}

	s.writeJSON(w, status, map[string]errorBody{"error": body})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Response encode failed")
	}
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.writeError(w, r, domain.E(domain.KindPayloadTooLarge, "PAYLOAD_TOO_LARGE", "request body too large"))
			return false
		}
		s.writeError(w, r, domain.Validationf("INVALID_JSON", "request body is not valid JSON"))
		return false
	}
	return true
}
