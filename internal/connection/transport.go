package connection

import (
	"context"

	"github.com/rickgao/streamlink/internal/model"
)

// MessageHandler receives a decoded inbound message.
type MessageHandler func(msg model.Message)

// Transport is the raw connection the Manager drives. Implementations must
// be safe for concurrent use; handlers may be invoked from an I/O goroutine.
type Transport interface {
	// Connect starts opening the connection. It may return before the
	// connection is usable; later failures are delivered as error messages.
	Connect(ctx context.Context) error

	// Disconnect closes the connection if open. Idempotent.
	Disconnect() error

	// IsConnected reports point-in-time connection truth.
	IsConnected() bool

	// ConnectionID returns the server-issued id, or "" when unknown.
	ConnectionID() string

	// SendHeartbeat writes a keepalive frame.
	SendHeartbeat() error

	// On registers handler for messages tagged msgType.
	On(msgType string, handler MessageHandler) (unsubscribe func())

	// OnAny registers handler for every message.
	OnAny(handler MessageHandler) (unsubscribe func())
}
