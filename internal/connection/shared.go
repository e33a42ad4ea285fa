package connection

import "sync"

// Transports hands out one Transport per key, so managers pointed at the
// same endpoint share a socket.
type Transports struct {
	mu    sync.Mutex
	items map[string]Transport
}

// NewTransports creates an empty registry.
func NewTransports() *Transports {
	return &Transports{items: make(map[string]Transport)}
}

// Get returns the transport for key, creating it with create on first use.
func (r *Transports) Get(key string, create func() Transport) Transport {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.items[key]; ok {
		return t
	}
	t := create()
	r.items[key] = t
	return t
}

// Remove forgets key and disconnects its transport.
func (r *Transports) Remove(key string) error {
	r.mu.Lock()
	t, ok := r.items[key]
	delete(r.items, key)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return t.Disconnect()
}

// Len returns the number of registered transports.
func (r *Transports) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
