// Package httpapi exposes the REST surface: message ingestion, history
// paging, conversation management, the WebSocket entry point and the
// operational endpoints.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilchat/veild/internal/hub"
	"github.com/veilchat/veild/internal/ingest"
	"github.com/veilchat/veild/internal/metrics"
)

// maxBodyBytes bounds request bodies. Ciphertext is capped at 1 MiB raw,
// which is ~1.4 MiB base64 plus envelope.
const maxBodyBytes = 2 << 20

type Server struct {
	svc    *ingest.Service
	hub    *hub.Hub
	auth   hub.Authenticator
	logger zerolog.Logger
	srv    *http.Server
}

type Options struct {
	Addr         string
	Service      *ingest.Service
	Hub          *hub.Hub
	Auth         hub.Authenticator
	Logger       zerolog.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func New(opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	s := &Server{
		svc:    opts.Service,
		hub:    opts.Hub,
		auth:   opts.Auth,
		logger: opts.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.requireAuth(s.handleSendMessage))
	mux.HandleFunc("GET /v1/messages/conversation/{id}", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("POST /v1/conversations", s.requireAuth(s.handleCreateConversation))
	mux.HandleFunc("GET /v1/conversations/{id}", s.requireAuth(s.handleGetConversation))
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.requireAuth(s.handleDeleteConversation))
	mux.HandleFunc("POST /v1/conversations/{id}/participants", s.requireAuth(s.handleAddParticipant))
	mux.HandleFunc("DELETE /v1/conversations/{id}/participants/{userId}", s.requireAuth(s.handleRemoveParticipant))
	mux.HandleFunc("POST /v1/conversations/{id}/read", s.requireAuth(s.handleMarkRead))
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.HandleWS)
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:           opts.Addr,
		Handler:        s.logRequests(mux),
		ReadTimeout:    opts.ReadTimeout,
		WriteTimeout:   opts.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Handler exposes the routed handler. Test hook.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
