package connection

import (
	"errors"
	"time"

	"github.com/rickgao/streamlink/internal/metrics"
	"github.com/rickgao/streamlink/internal/model"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrStaleConnection    = errors.New("connection stale (no ping)")
	ErrHeartbeatThrottled = errors.New("heartbeat rate limited")
	ErrNilTransport       = errors.New("nil transport")
	ErrAlreadyStarted     = errors.New("manager already started")
	ErrEmptyURL           = errors.New("empty websocket url")
)

// Policy controls reconnect backoff. It is copied into the manager at
// construction and never changes afterwards.
type Policy struct {
	BaseDelay   time.Duration // Delay before the first retry
	MaxDelay    time.Duration // Upper bound for any retry delay
	MaxAttempts int           // Retries allowed before failing stop
	JitterMax   time.Duration // Uniform jitter added to each delay
}

// DefaultPolicy returns the standard backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		JitterMax:   1 * time.Second,
	}
}

// Options configures a Manager.
type Options struct {
	// AutoConnect starts a connection as soon as the manager is started.
	AutoConnect bool

	// MessageTypes limits delivery to these tags. Empty means every message.
	MessageTypes []string

	// OnMessage receives messages stamped with the current connection id
	// when the frame carries none.
	OnMessage     func(msg model.Message)
	OnConnect     func(connectionID string)
	OnDisconnect  func()
	OnError       func(text string)
	OnStateChange func(tr model.Transition)

	// MaxReconnectAttempts overrides Policy.MaxAttempts when > 0.
	MaxReconnectAttempts int

	Policy       Policy
	PollInterval time.Duration // Reconciliation period
	SettleDelay  time.Duration // Pause between the disconnect and connect halves of Reconnect

	Metrics *metrics.Metrics
}

// DefaultOptions returns options with auto-connect on and default timings.
func DefaultOptions() Options {
	return Options{
		AutoConnect:  true,
		Policy:       DefaultPolicy(),
		PollInterval: 1 * time.Second,
		SettleDelay:  100 * time.Millisecond,
	}
}

// normalize fills zero values from the defaults.
func (o *Options) normalize() {
	def := DefaultOptions()
	if o.Policy.BaseDelay <= 0 {
		o.Policy.BaseDelay = def.Policy.BaseDelay
	}
	if o.Policy.MaxDelay <= 0 {
		o.Policy.MaxDelay = def.Policy.MaxDelay
	}
	if o.Policy.MaxAttempts <= 0 {
		o.Policy.MaxAttempts = def.Policy.MaxAttempts
	}
	if o.Policy.JitterMax < 0 {
		o.Policy.JitterMax = 0
	}
	if o.MaxReconnectAttempts > 0 {
		o.Policy.MaxAttempts = o.MaxReconnectAttempts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
}

// ManagerStats is a snapshot of the manager, refreshed after every event
// the loop handles.
type ManagerStats struct {
	State             model.ConnectionState
	ConnectionID      string
	Attempts          int  // Reconnect counter
	Connecting        bool // A transport connect is in flight
	AutoReconnect     bool
	Exhausted         bool // Reconnect budget ran out; waiting for a manual connect
	LiveSubscriptions int  // Disposers held for the current cycle
	PendingTimers     int  // Retry plus settle timers armed
	Dispatched        int64
}

// ClientConfig configures a WSTransport.
type ClientConfig struct {
	URL              string        // ws:// or wss:// endpoint
	HandshakeTimeout time.Duration // Dial/upgrade timeout
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Client ping period
	PingTimeout      time.Duration // Max time without ping/pong before the session is stale
	HeartbeatRate    float64       // Heartbeats per second allowed
	HeartbeatBurst   int
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		HeartbeatRate:    1,
		HeartbeatBurst:   2,
	}
}
