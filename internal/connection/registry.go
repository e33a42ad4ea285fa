package connection

import (
	"log/slog"
	"sync"

	"github.com/rickgao/streamlink/internal/model"
)

// Registry collects the disposers created by one connect cycle so they can
// be released in a single call.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	disposers []func()
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Track appends a disposer. Nil disposers are ignored.
func (r *Registry) Track(dispose func()) {
	if dispose == nil {
		return
	}
	r.mu.Lock()
	r.disposers = append(r.disposers, dispose)
	r.mu.Unlock()
}

// Arm registers the listeners for one cycle on t. With no message types a
// single wildcard listener feeds deliver; otherwise one listener per
// distinct type does. An error-tag listener feeding onError is always
// added. It returns the number of listeners registered.
func (r *Registry) Arm(t Transport, messageTypes []string, deliver, onError MessageHandler) int {
	n := 0
	seen := make(map[string]struct{}, len(messageTypes))
	for _, typ := range messageTypes {
		if typ == "" {
			continue
		}
		if _, dup := seen[typ]; dup {
			continue
		}
		seen[typ] = struct{}{}
		r.Track(t.On(typ, deliver))
		n++
	}
	if n == 0 {
		r.Track(t.OnAny(deliver))
		n++
	}

	r.Track(t.On(model.TypeError, onError))
	return n + 1
}

// DisposeAll runs every disposer in insertion order and empties the
// registry. Calling it on an empty registry is a no-op. A panicking
// disposer is logged and the rest still run.
func (r *Registry) DisposeAll() int {
	r.mu.Lock()
	disposers := r.disposers
	r.disposers = nil
	r.mu.Unlock()

	for _, dispose := range disposers {
		r.run(dispose)
	}
	return len(disposers)
}

// Len returns the number of live disposers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disposers)
}

func (r *Registry) run(dispose func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("disposer panicked", "panic", p)
		}
	}()
	dispose()
}
