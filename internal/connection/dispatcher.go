package connection

import (
	"log/slog"

	"github.com/rickgao/streamlink/internal/metrics"
	"github.com/rickgao/streamlink/internal/model"
)

// Dispatcher applies the lifecycle signals carried by a message and then
// forwards it to the caller. It is driven from the manager loop only.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	onAck     func(msg model.Message)
	onError   func(text string)
	onMessage func(msg model.Message)

	last       model.Message
	hasLast    bool
	dispatched int64
}

// NewDispatcher wires the three callbacks. Any of them may be nil.
func NewDispatcher(onAck func(model.Message), onError func(string), onMessage func(model.Message), m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:    logger,
		metrics:   m,
		onAck:     onAck,
		onError:   onError,
		onMessage: onMessage,
	}
}

// Dispatch records msg as the last message, applies ack/error handling and
// hands msg to the message callback.
func (d *Dispatcher) Dispatch(msg model.Message) {
	d.last = msg
	d.hasLast = true
	d.dispatched++
	d.metrics.MessageDispatched(msg.Type)

	switch msg.Type {
	case model.TypeConnectionAck:
		if d.onAck != nil {
			safeCall(d.logger, "ack", func() { d.onAck(msg) })
		}
	case model.TypeError:
		if d.onError != nil {
			safeCall(d.logger, "on_error", func() { d.onError(msg.Message) })
		}
	}

	if d.onMessage != nil {
		safeCall(d.logger, "on_message", func() { d.onMessage(msg) })
	}
}

// LastMessage returns the most recent message, if any.
func (d *Dispatcher) LastMessage() (model.Message, bool) {
	return d.last, d.hasLast
}

// Dispatched returns how many messages have been dispatched.
func (d *Dispatcher) Dispatched() int64 {
	return d.dispatched
}

// safeCall runs a caller callback, logging instead of propagating a panic.
func safeCall(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("callback panicked", "callback", name, "panic", p)
		}
	}()
	fn()
}
