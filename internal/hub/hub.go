// Package hub hosts the per-device WebSocket sessions: authentication,
// subscription fan-out, heartbeats, resume and backpressure. Fan-out work
// runs on a bounded worker pool; a full pool drops the task and leaves
// recovery to the per-device ring and the replay engine.
package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilchat/veild/internal/bus"
	"github.com/veilchat/veild/internal/ingest"
	"github.com/veilchat/veild/internal/metrics"
	"github.com/veilchat/veild/internal/replay"
	"github.com/veilchat/veild/internal/resume"
	"github.com/veilchat/veild/internal/store"
)

// Authenticator verifies a bearer token into an account identity.
type Authenticator interface {
	Verify(ctx context.Context, token string) (ingest.AuthContext, error)
}

type Options struct {
	Store  store.Store
	Replay *replay.Engine
	Resume *resume.Store
	Auth   Authenticator
	Bus    bus.Bus
	Logger zerolog.Logger
	NodeID string

	MaxConnections     int
	OutboundQueue      int
	WorkerCount        int
	WorkerQueue        int
	CPURejectThreshold float64

	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	DrainTimeout time.Duration
}

type Hub struct {
	opts   Options
	logger zerolog.Logger

	guard   *resourceGuard
	index   *subscriptionIndex
	workers *workerPool

	mu       sync.RWMutex
	byDevice map[string]*Session
	all      map[*Session]struct{}

	draining int32
	unsubBus func()
	cancel   context.CancelFunc
}

func New(opts Options) *Hub {
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = 1024
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	h := &Hub{
		opts:     opts,
		logger:   opts.Logger,
		guard:    newResourceGuard(opts.MaxConnections, opts.CPURejectThreshold, opts.Logger),
		index:    newSubscriptionIndex(),
		workers:  newWorkerPool(opts.WorkerCount, opts.WorkerQueue, opts.Logger),
		byDevice: make(map[string]*Session),
		all:      make(map[*Session]struct{}),
	}
	return h
}

// Start wires the hub to the persisted-message bus and begins resource
// monitoring.
func (h *Hub) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)
	h.workers.Start(ctx)
	h.guard.StartMonitoring(ctx, 15*time.Second)

	unsub, err := h.opts.Bus.SubscribePersisted(h.fanout)
	if err != nil {
		return err
	}
	h.unsubBus = unsub

	h.logger.Info().
		Int("max_connections", h.opts.MaxConnections).
		Int("outbound_queue", h.opts.OutboundQueue).
		Int("worker_count", h.opts.WorkerCount).
		Msg("Hub started")
	return nil
}

// fanout routes one persisted event to every subscribed local session.
func (h *Hub) fanout(ev bus.PersistedEvent) {
	h.workers.Submit(func() {
		devices := h.index.Devices(ev.Message.ConversationID)
		if len(devices) == 0 {
			return
		}
		h.mu.RLock()
		sessions := make([]*Session, 0, len(devices))
		for _, id := range devices {
			if s, ok := h.byDevice[id]; ok {
				sessions = append(sessions, s)
			}
		}
		h.mu.RUnlock()
		for _, s := range sessions {
			s.Deliver(ev)
		}
	})
}

// HandleWS upgrades the HTTP request and starts the session pumps. Admission
// is decided before the upgrade.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.draining) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	ok, reason := h.guard.Admit()
	if !ok {
		metrics.ConnectionsFailed.Inc()
		h.logger.Debug().
			Str("reason", reason).
			Int64("active", h.guard.Active()).
			Msg("Connection rejected")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	// Credentials may arrive on the upgrade request itself; the in-band auth
	// frame is the fallback for clients that cannot set headers.
	var authCtx ingest.AuthContext
	headerAuthed := false
	if token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); found && token != "" {
		deviceID := r.Header.Get("X-Device-Id")
		if deviceID == "" {
			h.guard.Release()
			http.Error(w, "x-device-id header required", http.StatusBadRequest)
			return
		}
		verified, err := h.opts.Auth.Verify(r.Context(), token)
		if err != nil {
			h.guard.Release()
			metrics.ConnectionsFailed.Inc()
			h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket handshake authentication failed")
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		verified.DeviceID = deviceID
		verified.SessionID = r.Header.Get("X-Session-Id")
		authCtx = verified
		headerAuthed = true
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.guard.Release()
		metrics.ConnectionsFailed.Inc()
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	s := newSession(h, conn)
	h.mu.Lock()
	h.all[s] = struct{}{}
	h.mu.Unlock()

	if headerAuthed {
		s.completeAuth(authCtx)
	}

	go s.readPump()
	go s.writePump()
}

// register binds an authenticated session to its device, superseding any
// older session for the same device.
func (h *Hub) register(s *Session) {
	h.mu.Lock()
	old := h.byDevice[s.deviceID]
	h.byDevice[s.deviceID] = s
	h.mu.Unlock()

	if old != nil && old != s {
		old.sendClose(CloseGoingAway, "superseded by a newer connection")
		old.shutdown("superseded", "server")
	}
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.all, s)
	if s.deviceID != "" && h.byDevice[s.deviceID] == s {
		delete(h.byDevice, s.deviceID)
	}
	h.mu.Unlock()

	if s.deviceID != "" {
		s.mu.Lock()
		convs := make([]uuid.UUID, 0, len(s.subscriptions))
		for id := range s.subscriptions {
			convs = append(convs, id)
		}
		s.mu.Unlock()
		h.index.RemoveDevice(s.deviceID, convs)
	}
	h.guard.Release()
}

// Sessions reports the number of live connections.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// Shutdown drains every session with a going-away close and waits for them
// to finish, bounded by ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&h.draining, 1)
	if h.unsubBus != nil {
		h.unsubBus()
	}

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.all))
	for s := range h.all {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	h.logger.Info().Int("sessions", len(sessions)).Msg("Draining sessions")
	for _, s := range sessions {
		go s.drain()
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.Sessions() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			h.logger.Warn().Int("remaining", h.Sessions()).Msg("Shutdown deadline reached with sessions open")
			if h.cancel != nil {
				h.cancel()
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if h.cancel != nil {
		h.cancel()
	}
	h.logger.Info().Msg("Hub stopped")
	return nil
}
