package hub

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
)

// Application close codes in the 4000-4999 private range, plus the standard
// going-away code used during shutdown.
const (
	CloseAuthTimeout   = 4001
	CloseAuthFailed    = 4002
	CloseSlowConsumer  = 4003
	CloseHeartbeatLost = 4004
	CloseGoingAway     = 1001
)

// Client-to-server frame types.
const (
	FrameAuth        = "auth"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameAck         = "ack"
	FramePing        = "ping"
)

// Server-to-client frame types.
const (
	FrameHello   = "hello"
	FrameMessage = "message"
	FrameEvent   = "event"
	FrameError   = "error"
	FramePong    = "pong"
)

// EventReplayComplete ends the catch-up phase; live frames follow.
const EventReplayComplete = "ws_replay_complete"

// Ack statuses.
const (
	AckAccepted = "accepted"
	AckRejected = "rejected"
)

// frameHead peeks the type discriminator before the full decode.
type frameHead struct {
	Type string `json:"type"`
}

// authFrame is the in-band fallback for upgrade requests that carried no
// Authorization header.
type authFrame struct {
	Token     string `json:"token"`
	DeviceID  string `json:"deviceId"`
	SessionID string `json:"sessionId"`
}

// subscribeFrame lists conversations to attach to or detach from.
type subscribeFrame struct {
	ConversationIDs []string `json:"conversationIds"`
}

// ackFrame acknowledges every server frame with seq <= Seq. A rejected status
// reports a frame the client could not process; it does not advance cursors.
type ackFrame struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
	Seq    uint64 `json:"seq"`
}

type pingFrame struct {
	Nonce string `json:"nonce,omitempty"`
}

type pongFrame struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce,omitempty"`
}

// helloFrame confirms authentication and reports the resume posture, with
// Replay.Expected counting the buffered frames the client will see again
// before live delivery starts.
type helloFrame struct {
	Type       string      `json:"type"`
	DeviceID   string      `json:"deviceId"`
	NodeID     string      `json:"nodeId"`
	Resumed    bool        `json:"resumed"`
	ServerTime time.Time   `json:"serverTime"`
	Replay     helloReplay `json:"replay"`
}

type helloReplay struct {
	Expected int `json:"expected"`
}

// messageFrame delivers one persisted message. Seq is the per-device outbound
// sequence; acks reference it and are cumulative. Replay tags frames sent
// during catch-up.
type messageFrame struct {
	Type    string         `json:"type"`
	ID      uuid.UUID      `json:"id"`
	Seq     uint64         `json:"seq"`
	Replay  bool           `json:"replay,omitempty"`
	Payload messagePayload `json:"payload"`
}

type messagePayload struct {
	Data messageData `json:"data"`
}

// messageData carries the message metadata plus the opaque ciphertext,
// base64 in JSON.
type messageData struct {
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
	SenderID       uuid.UUID `json:"senderId"`
	MessageType    string    `json:"messageType"`
	MessageSeq     uint64    `json:"messageSeq"`
	Ciphertext     []byte    `json:"ciphertext"`
	CreatedAt      time.Time `json:"createdAt"`
}

type eventFrame struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	ReplayCount int    `json:"replayCount"`
	Batches     int    `json:"batches"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func closeFrame(code int, reason string) ws.Frame {
	return ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
}
