package connection

import (
	"context"
	"sync"

	"github.com/rickgao/streamlink/internal/model"
)

// fakeTransport is a Transport whose connectivity is driven by the test.
type fakeTransport struct {
	mu            sync.Mutex
	connected     bool
	connectionID  string
	connectCalls  int
	disconnects   int
	heartbeats    int
	connectErr    error
	heartbeatErr  error
	autoConnect   bool   // Connect flips connected and emits an ack
	ackID         string // Connection id used by autoConnect
	listeners     []listener
	nextID        uint64
	onConnectCall func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	err := f.connectErr
	auto := f.autoConnect
	id := f.ackID
	hook := f.onConnectCall
	if err == nil && auto {
		f.connected = true
		f.connectionID = id
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err == nil && auto {
		f.emit(model.Message{Type: model.TypeConnectionAck, ConnectionID: id})
	}
	return err
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	f.connectionID = ""
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) ConnectionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectionID
}

func (f *fakeTransport) SendHeartbeat() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if !f.connected {
		return ErrNotConnected
	}
	return f.heartbeatErr
}

func (f *fakeTransport) On(msgType string, handler MessageHandler) func() {
	return f.add(msgType, handler)
}

func (f *fakeTransport) OnAny(handler MessageHandler) func() {
	return f.add("", handler)
}

func (f *fakeTransport) add(msgType string, handler MessageHandler) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners = append(f.listeners, listener{id: id, msgType: msgType, fn: handler})
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, l := range f.listeners {
			if l.id == id {
				f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
				return
			}
		}
	}
}

// emit delivers msg to matching listeners.
func (f *fakeTransport) emit(msg model.Message) {
	f.mu.Lock()
	var fns []MessageHandler
	for _, l := range f.listeners {
		if l.msgType == "" || l.msgType == msg.Type {
			fns = append(fns, l.fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (f *fakeTransport) setConnected(up bool, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = up
	f.connectionID = id
}

func (f *fakeTransport) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeTransport) listenerTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.listeners))
	for _, l := range f.listeners {
		out = append(out, l.msgType)
	}
	return out
}

func (f *fakeTransport) calls() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls, f.disconnects
}
