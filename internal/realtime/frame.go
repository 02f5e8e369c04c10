// Package realtime is the client side of the chat channel: JSON frames over a websocket.
package realtime

import (
	"encoding/json"

	"github.com/and161185/techstore/internal/model"
)

// Channel events.
const (
	EventJoinChat       = "join-chat"
	EventSendMessage    = "send-message"
	EventReceiveMessage = "receive-message"
	EventMessageSent    = "message-sent"

	// Local lifecycle events, never sent on the wire.
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Frame types.
const (
	FrameEvent = "event"
	FrameAck   = "ack"
)

// Frame is one websocket text message.
type Frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	// ID correlates an event with its ack; zero means no ack requested.
	ID uint64 `json:"id,omitempty"`
}

// Ack statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Ack is the server's answer to an event sent with an id.
type Ack struct {
	Status  string             `json:"status"`
	Error   string             `json:"error,omitempty"`
	Message *model.ChatMessage `json:"message,omitempty"`
}

// OK reports a successful acknowledgment.
func (a Ack) OK() bool { return a.Status != StatusError }

// AckFunc receives the server ack, or err when the connection dropped first.
type AckFunc func(ack Ack, err error)

// SendPayload is the send-message body.
type SendPayload struct {
	ChatID   string `json:"chatId"`
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

// ErrorPayload is the data of a connect_error event.
type ErrorPayload struct {
	Message string `json:"message"`
}
