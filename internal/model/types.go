package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Well-known message tags.
const (
	// TypeConnectionAck is sent by the server once a session is established.
	TypeConnectionAck = "connection_ack"

	// TypeError carries a human-readable error in Message.
	TypeError = "error"

	// TypeHeartbeat is the client keepalive frame.
	TypeHeartbeat = "heartbeat"
)

// ErrMissingType is returned by Decode for frames without a type tag.
var ErrMissingType = errors.New("message has no type")

// ConnectionState is the lifecycle state tracked by the connection manager.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lower-case state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// States lists every state, in declaration order.
func States() []ConnectionState {
	return []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting}
}

// Message is an inbound frame. Only Type is interpreted by the core; the
// remaining fields are populated for the two special tags and otherwise
// forwarded untouched.
type Message struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connection_id,omitempty"` // connection_ack only
	Message      string          `json:"message,omitempty"`       // error only
	Data         json.RawMessage `json:"data,omitempty"`

	Raw        json.RawMessage `json:"-"` // Full frame as received
	ReceivedAt time.Time       `json:"-"`
}

// IsAck reports whether m acknowledges a new connection.
func (m Message) IsAck() bool { return m.Type == TypeConnectionAck }

// IsError reports whether m is a server-signaled error.
func (m Message) IsError() bool { return m.Type == TypeError }

// Decode parses a raw frame. The original bytes are retained in Raw.
func Decode(data []byte, receivedAt time.Time) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}

	msg.Raw = append(json.RawMessage(nil), data...)
	msg.ReceivedAt = receivedAt
	return msg, nil
}

// NewError builds a locally generated error message, used by transports to
// report failures through the normal listener path.
func NewError(err error) Message {
	return Message{
		Type:       TypeError,
		Message:    err.Error(),
		ReceivedAt: time.Now(),
	}
}

// Transition records one state change of a connection manager.
type Transition struct {
	From         ConnectionState
	To           ConnectionState
	Attempt      int    // Reconnect counter after the change
	ConnectionID string // Empty unless connected
	At           time.Time
}
