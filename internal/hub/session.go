package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilchat/veild/internal/bus"
	"github.com/veilchat/veild/internal/domain"
	"github.com/veilchat/veild/internal/ingest"
	"github.com/veilchat/veild/internal/metrics"
	"github.com/veilchat/veild/internal/resume"
)

const (
	// pingPeriod must stay well below heartbeatTimeout so one lost ping does
	// not cost the connection.
	pingPeriod       = 25 * time.Second
	heartbeatTimeout = 55 * time.Second

	// slowConsumerThreshold is the consecutive-drop count after which the
	// session is closed rather than left to starve its ring.
	slowConsumerThreshold = 16

	// persistInterval bounds resume-state loss on an ungraceful disconnect.
	persistInterval = 15 * time.Second
)

type sessionState int32

const (
	stateHandshaking sessionState = iota
	stateAuthenticated
	stateResuming
	stateLive
	stateDraining
	stateClosed
)

// Session is one device's WebSocket connection. A device has at most one
// live session per hub; a newer connection supersedes the older one.
type Session struct {
	hub    *Hub
	conn   net.Conn
	logger zerolog.Logger

	auth     ingest.AuthContext
	deviceID string

	state       int32
	outbound    chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	dropStreak  int32
	heartbeat   time.Duration
	connectedAt time.Time

	mu            sync.Mutex
	outSeq        uint64
	ring          *resume.Ring
	rstate        *resume.State
	subscriptions map[uuid.UUID]struct{}
	coveredTip    map[uuid.UUID]uint64
	deferred      []bus.PersistedEvent
	resuming      int
	missed        bool
	dirty         bool
}

var errSessionClosed = errors.New("session closed")

func newSession(h *Hub, conn net.Conn) *Session {
	return &Session{
		hub:           h,
		conn:          conn,
		logger:        h.logger,
		outbound:      make(chan []byte, h.opts.OutboundQueue),
		done:          make(chan struct{}),
		heartbeat:     heartbeatTimeout,
		connectedAt:   time.Now(),
		ring:          resume.NewRing(resume.DefaultRingSize),
		rstate:        resume.NewState(),
		subscriptions: make(map[uuid.UUID]struct{}),
		coveredTip:    make(map[uuid.UUID]uint64),
	}
}

func (s *Session) currentState() sessionState {
	return sessionState(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st sessionState) {
	atomic.StoreInt32(&s.state, int32(st))
}

// readPump owns the connection's read side and drives the session state
// machine from client frames. Pongs arrive as control frames below the data
// layer, so liveness is tracked per frame header, not per data message.
func (s *Session) readPump() {
	reason, initiatedBy := "read_error", "client"
	defer func() { s.shutdown(reason, initiatedBy) }()

	if s.currentState() == stateHandshaking {
		s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.AuthTimeout))
	} else {
		s.conn.SetReadDeadline(time.Now().Add(s.heartbeat))
	}

	controlHandler := wsutil.ControlFrameHandler(s.conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         s.conn,
		State:          ws.StateServerSide,
		OnIntermediate: controlHandler,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if s.currentState() == stateHandshaking {
					reason, initiatedBy = "auth_timeout", "server"
					s.sendClose(CloseAuthTimeout, "authentication timeout")
				} else {
					reason, initiatedBy = "heartbeat_lost", "server"
					s.sendClose(CloseHeartbeatLost, "heartbeat lost")
				}
			}
			return
		}
		if s.currentState() != stateHandshaking {
			s.conn.SetReadDeadline(time.Now().Add(s.heartbeat))
		}

		if hdr.OpCode.IsControl() {
			if err := controlHandler(hdr, rd); err != nil {
				var ce wsutil.ClosedError
				if errors.As(err, &ce) {
					reason, initiatedBy = "client_close", "client"
				}
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		metrics.FramesReceived.Inc()

		if hdr.OpCode == ws.OpText {
			if err := s.handleFrame(data); err != nil {
				reason, initiatedBy = "protocol_error", "server"
				return
			}
		}
	}
}

// writePump owns the connection's write side: queued frames, protocol pings
// and the periodic resume snapshot.
func (s *Session) writePump() {
	pingTicker := time.NewTicker(pingPeriod)
	persistTicker := time.NewTicker(persistInterval)
	defer func() {
		pingTicker.Stop()
		persistTicker.Stop()
		s.shutdown("write_error", "server")
	}()

	for {
		select {
		case data := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpText, data); err != nil {
				s.logger.Debug().Err(err).Str("device_id", s.deviceID).Msg("Frame write failed")
				return
			}
			metrics.FramesSent.Inc()
		case <-pingTicker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-persistTicker.C:
			s.persistIfDirty()
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleFrame(data []byte) error {
	var head frameHead
	if err := json.Unmarshal(data, &head); err != nil {
		s.sendError("MALFORMED_FRAME", "frame is not valid JSON")
		return nil
	}

	if s.currentState() == stateHandshaking && head.Type != FrameAuth {
		s.sendClose(CloseAuthFailed, "authentication required")
		return errors.New("frame before auth")
	}

	switch head.Type {
	case FrameAuth:
		return s.handleAuth(data)
	case FrameSubscribe:
		s.handleSubscribe(data)
	case FrameUnsubscribe:
		s.handleUnsubscribe(data)
	case FrameAck:
		var f ackFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendError("MALFORMED_FRAME", "ack payload invalid")
			return nil
		}
		s.handleAck(f)
	case FramePing:
		var f pingFrame
		_ = json.Unmarshal(data, &f)
		if out, err := json.Marshal(pongFrame{Type: FramePong, Nonce: f.Nonce}); err == nil {
			s.enqueueRaw(out)
		}
	default:
		s.sendError("UNKNOWN_TYPE", "unrecognized frame type")
	}
	return nil
}

func (s *Session) handleAuth(data []byte) error {
	if s.currentState() != stateHandshaking {
		s.sendError("ALREADY_AUTHENTICATED", "auth frame repeated")
		return nil
	}
	var f authFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Token == "" || f.DeviceID == "" {
		s.sendClose(CloseAuthFailed, "token and deviceId are required")
		return errors.New("invalid auth payload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	authCtx, err := s.hub.opts.Auth.Verify(ctx, f.Token)
	if err != nil {
		metrics.ConnectionsFailed.Inc()
		s.logger.Warn().Err(err).Msg("WebSocket authentication failed")
		s.sendClose(CloseAuthFailed, "authentication failed")
		return err
	}
	authCtx.DeviceID = f.DeviceID
	authCtx.SessionID = f.SessionID
	s.completeAuth(authCtx)
	return nil
}

// completeAuth binds the verified identity, restores resume state and greets
// the client. Reached from the upgrade request's headers or from an in-band
// auth frame.
func (s *Session) completeAuth(authCtx ingest.AuthContext) {
	s.auth = authCtx
	s.deviceID = authCtx.DeviceID
	s.hub.register(s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A missed ring is discarded wholesale; the store catch-up covers
	// everything past the acked cursors.
	resumed := false
	if st := s.hub.opts.Resume.Load(ctx, s.deviceID); st != nil {
		resumed = true
		s.mu.Lock()
		s.rstate = st
		if st.AckedCursors == nil {
			st.AckedCursors = make(map[uuid.UUID]uint64)
		}
		s.outSeq = st.OutboundSeq
		if st.Missed {
			s.ring.Clear()
		} else {
			s.ring.Restore(st.Undelivered, false)
		}
		s.mu.Unlock()
	}

	s.setState(stateAuthenticated)
	s.conn.SetReadDeadline(time.Now().Add(s.heartbeat))

	if data, err := json.Marshal(helloFrame{
		Type:       FrameHello,
		DeviceID:   s.deviceID,
		NodeID:     s.hub.opts.NodeID,
		Resumed:    resumed,
		ServerTime: time.Now().UTC(),
		Replay:     helloReplay{Expected: s.ring.Len()},
	}); err == nil {
		s.enqueueRaw(data)
	}

	s.logger.Info().
		Str("device_id", s.deviceID).
		Str("user_id", s.auth.UserID.String()).
		Bool("resumed", resumed).
		Msg("Session authenticated")
}

func (s *Session) handleSubscribe(data []byte) {
	var f subscribeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError("MALFORMED_FRAME", "subscribe payload invalid")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var accepted []uuid.UUID
	for _, raw := range f.ConversationIDs {
		convID, err := uuid.Parse(raw)
		if err != nil {
			s.sendError("INVALID_CONVERSATION_ID", raw)
			continue
		}
		conv, err := s.hub.opts.Store.FindConversation(ctx, convID)
		if err != nil {
			s.sendError(domain.CodeOf(err), raw)
			continue
		}
		if !conv.IsActiveParticipant(s.auth.UserID) {
			s.sendError("NOT_A_PARTICIPANT", raw)
			continue
		}
		s.mu.Lock()
		_, already := s.subscriptions[convID]
		s.subscriptions[convID] = struct{}{}
		s.mu.Unlock()
		if already {
			continue
		}
		s.hub.index.Add(convID, s.deviceID)
		accepted = append(accepted, convID)
	}
	if len(accepted) == 0 {
		return
	}

	s.mu.Lock()
	s.resuming++
	s.mu.Unlock()
	s.setState(stateResuming)
	go s.runCatchUp(accepted)
}

func (s *Session) handleUnsubscribe(data []byte) {
	var f subscribeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError("MALFORMED_FRAME", "unsubscribe payload invalid")
		return
	}
	for _, raw := range f.ConversationIDs {
		convID, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		s.mu.Lock()
		delete(s.subscriptions, convID)
		s.mu.Unlock()
		s.hub.index.Remove(convID, s.deviceID)
	}
}

// handleAck applies a cumulative acknowledgement: every outstanding frame
// with seq <= ack advances its conversation cursor and leaves the ring. A
// rejected ack is recorded but advances nothing; the frame stays pending.
func (s *Session) handleAck(f ackFrame) {
	if f.Status == AckRejected {
		s.logger.Warn().
			Str("device_id", s.deviceID).
			Str("frame_id", f.ID).
			Str("reason", f.Reason).
			Msg("Client rejected frame")
		return
	}
	acked := s.ring.TakeAcked(f.Seq)
	if len(acked) == 0 {
		return
	}
	s.mu.Lock()
	for _, e := range acked {
		s.rstate.Advance(e.ConversationID, e.MessageSeq)
	}
	s.dirty = true
	s.mu.Unlock()
}

// runCatchUp replays missed messages for newly subscribed conversations,
// one conversation at a time, then flushes any live frames deferred while
// the replay ran.
func (s *Session) runCatchUp(convIDs []uuid.UUID) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	for _, convID := range convIDs {
		if err := s.catchUpConversation(ctx, convID); err != nil {
			s.logger.Warn().Err(err).
				Str("device_id", s.deviceID).
				Str("conversation_id", convID.String()).
				Msg("Catch-up aborted")
			break
		}
	}
	s.endResume()
}

func (s *Session) catchUpConversation(ctx context.Context, convID uuid.UUID) error {
	metrics.ReplaySessions.Inc()

	s.mu.Lock()
	cursor := s.rstate.Cursor(convID)
	s.mu.Unlock()

	// Ring fast path: a contiguous undelivered run starting at cursor+1 is
	// resent verbatim, keeping the original outbound seqs valid.
	ringCount := 0
	if !s.ring.Missed() {
		if pending := s.ring.PendingFor(convID); contiguousFrom(pending, cursor) {
			for _, e := range pending {
				if err := s.sendBlocking(e.Payload); err != nil {
					return err
				}
			}
			ringCount = len(pending)
			cursor = pending[len(pending)-1].MessageSeq
		}
	}

	// The store stays authoritative: anything persisted past the ring while
	// the device was away streams from here, up to the tip observed now.
	res, err := s.hub.opts.Replay.CatchUp(ctx, convID, cursor, func(m domain.Message) error {
		entry, data, err := s.buildMessageFrame(true, m, m.EncryptedContent)
		if err != nil {
			return err
		}
		s.ring.Push(entry)
		s.markDirty()
		return s.sendBlocking(data)
	})
	if err != nil {
		return err
	}
	tip := res.Tip
	if cursor > tip {
		tip = cursor
	}
	return s.finishCatchUp(convID, tip, ringCount+res.Count, res.Batches)
}

func (s *Session) finishCatchUp(convID uuid.UUID, tip uint64, count, batches int) error {
	s.mu.Lock()
	if tip > s.coveredTip[convID] {
		s.coveredTip[convID] = tip
	}
	s.mu.Unlock()

	data, err := json.Marshal(eventFrame{
		Type:        FrameEvent,
		Name:        EventReplayComplete,
		ReplayCount: count,
		Batches:     batches,
	})
	if err != nil {
		return err
	}
	return s.sendBlocking(data)
}

// endResume transitions back to live delivery, flushing events that arrived
// during the replay. Messages already covered by the replayed range are
// skipped; frames are built and enqueued under the lock so their seqs extend
// the replayed run in order.
func (s *Session) endResume() {
	s.mu.Lock()
	s.resuming--
	if s.resuming > 0 {
		s.mu.Unlock()
		return
	}
	flush := s.deferred
	s.deferred = nil

	overLimit := false
	for _, ev := range flush {
		if ev.Message.Seq <= s.coveredTip[ev.Message.ConversationID] {
			continue
		}
		entry, data, err := s.buildMessageFrameLocked(false, ev.Message, ev.Ciphertext)
		if err != nil {
			s.logger.Error().Err(err).Msg("Frame marshal failed")
			continue
		}
		s.ring.Push(entry)
		s.dirty = true
		if s.enqueueFrameLocked(data) {
			overLimit = true
		}
	}
	if s.currentState() == stateResuming {
		s.setState(stateLive)
	}
	s.mu.Unlock()

	if overLimit {
		s.closeSlowConsumer()
	}
}

// Deliver enqueues a live persisted message for this device. Never blocks;
// a full queue counts toward the slow-consumer threshold while the ring
// keeps the frame recoverable.
func (s *Session) Deliver(ev bus.PersistedEvent) {
	switch s.currentState() {
	case stateHandshaking, stateClosed, stateDraining:
		return
	}
	// Echo suppression: the sending device already has the message.
	if ev.SenderDeviceID != "" && ev.SenderDeviceID == s.deviceID {
		return
	}
	if !containsUUID(ev.Recipients, s.auth.UserID) {
		return
	}

	s.mu.Lock()
	if _, ok := s.subscriptions[ev.Message.ConversationID]; !ok {
		s.mu.Unlock()
		return
	}
	if s.resuming > 0 {
		// Held back until the catch-up finishes so replay and live frames
		// never interleave; the frame is built at flush time so its seq
		// lands after the replayed run.
		s.deferred = append(s.deferred, ev)
		s.mu.Unlock()
		return
	}
	entry, data, err := s.buildMessageFrameLocked(false, ev.Message, ev.Ciphertext)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("Frame marshal failed")
		return
	}
	s.ring.Push(entry)
	s.dirty = true
	// Enqueue inside the critical section so queue order always matches seq
	// assignment, even when fan-out workers race on the same session.
	overLimit := s.enqueueFrameLocked(data)
	s.mu.Unlock()

	if overLimit {
		s.closeSlowConsumer()
	}
}

func (s *Session) buildMessageFrame(replay bool, m domain.Message, ciphertext []byte) (resume.Entry, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildMessageFrameLocked(replay, m, ciphertext)
}

func (s *Session) buildMessageFrameLocked(replay bool, m domain.Message, ciphertext []byte) (resume.Entry, []byte, error) {
	s.outSeq++
	data, err := json.Marshal(messageFrame{
		Type:   FrameMessage,
		ID:     m.ID,
		Seq:    s.outSeq,
		Replay: replay,
		Payload: messagePayload{Data: messageData{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			MessageType:    string(m.Type),
			MessageSeq:     m.Seq,
			Ciphertext:     ciphertext,
			CreatedAt:      m.CreatedAt,
		}},
	})
	if err != nil {
		return resume.Entry{}, nil, err
	}
	entry := resume.Entry{
		Seq:            s.outSeq,
		ConversationID: m.ConversationID,
		MessageSeq:     m.Seq,
		Payload:        data,
	}
	return entry, data, nil
}

// enqueueFrameLocked is the non-blocking live path; callers hold s.mu so
// queue order matches seq assignment. A drop marks the session missed — the
// ring still holds the frame, but the snapshot must record the session as
// incomplete. Reports whether the drop streak crossed the slow-consumer
// threshold.
func (s *Session) enqueueFrameLocked(data []byte) bool {
	select {
	case s.outbound <- data:
		atomic.StoreInt32(&s.dropStreak, 0)
		return false
	case <-s.done:
		return false
	default:
	}
	metrics.FramesDropped.WithLabelValues("queue_full").Inc()
	s.missed = true
	s.dirty = true
	return atomic.AddInt32(&s.dropStreak, 1) >= slowConsumerThreshold
}

func (s *Session) closeSlowConsumer() {
	metrics.SlowConsumers.Inc()
	s.logger.Warn().
		Str("device_id", s.deviceID).
		Int("queue_cap", cap(s.outbound)).
		Msg("Disconnecting slow consumer")
	s.sendClose(CloseSlowConsumer, "client too slow to drain its queue")
	s.shutdown("slow_consumer", "server")
}

// sendBlocking is the replay path; replay respects backpressure instead of
// dropping.
func (s *Session) sendBlocking(data []byte) error {
	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

func (s *Session) enqueueRaw(data []byte) {
	select {
	case s.outbound <- data:
	case <-s.done:
	default:
	}
}

func (s *Session) sendError(code, msg string) {
	if data, err := json.Marshal(errorFrame{Type: FrameError, Code: code, Message: msg}); err == nil {
		s.enqueueRaw(data)
	}
}

func (s *Session) sendClose(code int, reason string) {
	s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout))
	_ = ws.WriteFrame(s.conn, closeFrame(code, reason))
}

func (s *Session) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// snapshot returns a copy of the resume state when dirty (or always when
// force is set), clearing the dirty flag.
func (s *Session) snapshot(force bool) *resume.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty && !force {
		return nil
	}
	s.dirty = false
	cursors := make(map[uuid.UUID]uint64, len(s.rstate.AckedCursors))
	for k, v := range s.rstate.AckedCursors {
		cursors[k] = v
	}
	return &resume.State{
		AckedCursors: cursors,
		Undelivered:  s.ring.Pending(),
		Missed:       s.ring.Missed() || s.missed,
		OutboundSeq:  s.outSeq,
	}
}

func (s *Session) persistIfDirty() {
	if s.deviceID == "" {
		return
	}
	st := s.snapshot(false)
	if st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.opts.Resume.Persist(ctx, s.deviceID, st)
}

// drain starts a server-initiated goodbye during shutdown: the queue is
// given until the drain timeout to flush through the write pump, then the
// close frame goes out.
func (s *Session) drain() {
	s.setState(stateDraining)

	timeout := s.hub.opts.DrainTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for len(s.outbound) > 0 && time.Now().Before(deadline) {
		select {
		case <-s.done:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.sendClose(CloseGoingAway, "server shutting down")
	s.shutdown("going_away", "server")
}

// shutdown tears the session down exactly once: persist resume state, close
// the socket, deregister everywhere.
func (s *Session) shutdown(reason, initiatedBy string) {
	s.closeOnce.Do(func() {
		s.setState(stateClosed)
		close(s.done)

		if s.deviceID != "" {
			if st := s.snapshot(true); st != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.hub.opts.Resume.Persist(ctx, s.deviceID, st)
				cancel()
			}
		}

		_ = s.conn.Close()
		s.hub.unregister(s)

		metrics.ConnectionsActive.Dec()
		metrics.DisconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()

		s.logger.Info().
			Str("device_id", s.deviceID).
			Str("reason", reason).
			Str("initiated_by", initiatedBy).
			Dur("connection_duration", time.Since(s.connectedAt)).
			Int("pending_frames", s.ring.Len()).
			Msg("Session closed")
	})
}

func contiguousFrom(entries []resume.Entry, cursor uint64) bool {
	if len(entries) == 0 {
		return false
	}
	if entries[0].MessageSeq != cursor+1 {
		return false
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].MessageSeq != entries[i-1].MessageSeq+1 {
			return false
		}
	}
	return true
}

func containsUUID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
