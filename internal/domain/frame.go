package domain

import (
	"encoding/json"
	"time"
)

// Frame types from client.
const (
	FrameHello         = "hello"
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FramePublish       = "publish"
	FramePresencePing  = "presence_ping"
	FramePresenceLeave = "presence_leave"
	FramePing          = "ping"
)

// Frame types to client.
const (
	FrameHelloAck    = "hello_ack"
	FrameSubAck      = "sub_ack"
	FrameUnsubAck    = "unsub_ack"
	FrameDeliver     = "deliver"
	FramePresence    = "presence"
	FrameRoomCreated = "room_created"
	FrameError       = "error"
	FramePong        = "pong"
)

// Error codes carried on error frames.
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeNotSubscribed = "NOT_SUBSCRIBED"
)

// Frame is the wire envelope for every message exchanged over the
// realtime connection, in both directions. Which fields are populated
// depends on Type; Payload stays opaque JSON so the framing survives
// reconnects unchanged.
type Frame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// NewErrorFrame builds an error frame with the given code and message.
func NewErrorFrame(code, message string) *Frame {
	return &Frame{
		Type:    FrameError,
		Code:    code,
		Message: message,
	}
}

// SetPayload marshals v into the frame payload.
func (f *Frame) SetPayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.Payload = data
	return nil
}

// UnmarshalPayload unmarshals the frame payload into v.
func (f *Frame) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(f.Payload, v)
}

// HelloPayload is carried on hello frames.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload is carried on hello_ack frames.
type HelloAckPayload struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

// ChatPayload is carried on publish/deliver frames for room topics.
type ChatPayload struct {
	Content string `json:"content"`
}

// RoomCreatedPayload is carried on room_created frames pushed to the
// participants' user queues when a room comes into existence.
type RoomCreatedPayload struct {
	Room Room `json:"room"`
}
