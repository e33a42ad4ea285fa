package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rickgao/streamlink/internal/model"
	"github.com/rickgao/streamlink/internal/version"
)

// HeaderSigner adds authentication headers to the websocket handshake.
type HeaderSigner interface {
	SignHeaders(method, path string) (http.Header, error)
}

// ClientIDHeader carries the transport's instance id on the handshake.
const ClientIDHeader = "X-Client-ID"

type listener struct {
	id      uint64
	msgType string // Empty for wildcard listeners
	fn      MessageHandler
}

// WSTransport is a Transport over a single gorilla/websocket connection.
// Connect dials in the background; dial and read failures are reported to
// error listeners as model.TypeError messages.
type WSTransport struct {
	cfg      ClientConfig
	logger   *slog.Logger
	dialer   *websocket.Dialer
	signer   HeaderSigner
	limiter  *rate.Limiter
	clientID uuid.UUID

	mu           sync.RWMutex
	conn         *websocket.Conn
	connected    bool
	dialing      bool
	dialSeq      uint64
	dialCtx      context.Context
	cancelDial   context.CancelFunc
	done         chan struct{}
	connectionID string
	lastPingAt   time.Time

	// Write serialization
	writeMu sync.Mutex

	lmu       sync.RWMutex
	listeners []listener
	nextID    uint64
}

// NewWSTransport creates a websocket transport. signer may be nil.
func NewWSTransport(cfg ClientConfig, signer HeaderSigner, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultClientConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.HeartbeatRate <= 0 {
		cfg.HeartbeatRate = def.HeartbeatRate
	}
	if cfg.HeartbeatBurst <= 0 {
		cfg.HeartbeatBurst = def.HeartbeatBurst
	}

	id := uuid.New()
	return &WSTransport{
		cfg:      cfg,
		logger:   logger.With("component", "ws_transport", "client_id", id),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		signer:   signer,
		limiter:  rate.NewLimiter(rate.Limit(cfg.HeartbeatRate), cfg.HeartbeatBurst),
		clientID: id,
	}
}

// ClientID returns the id sent in the handshake.
func (t *WSTransport) ClientID() uuid.UUID { return t.clientID }

// Connect starts dialing unless a session is already open or being opened.
func (t *WSTransport) Connect(ctx context.Context) error {
	if t.cfg.URL == "" {
		return ErrEmptyURL
	}
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	t.mu.Lock()
	if t.connected || (t.dialing && t.dialCtx.Err() == nil) {
		t.mu.Unlock()
		return nil
	}
	// A dial whose context already ended is replaced.
	if t.cancelDial != nil {
		t.cancelDial()
	}
	dialCtx, cancel := context.WithCancel(ctx)
	t.dialSeq++
	seq := t.dialSeq
	t.dialing = true
	t.dialCtx = dialCtx
	t.cancelDial = cancel
	t.mu.Unlock()

	go t.dial(dialCtx, seq, u)
	return nil
}

// dial opens the socket and, if it is still wanted, starts the loops.
func (t *WSTransport) dial(ctx context.Context, seq uint64, u *url.URL) {
	header, err := t.handshakeHeader(u)
	if err != nil {
		t.finishDial(seq)
		t.logger.Warn("handshake signing failed", "error", err)
		t.deliver(model.NewError(fmt.Errorf("sign handshake: %w", err)))
		return
	}

	conn, _, err := t.dialer.DialContext(ctx, u.String(), header)

	t.mu.Lock()
	if seq != t.dialSeq {
		// Disconnect or a newer Connect superseded this dial.
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err == nil && ctx.Err() != nil {
		conn.Close()
		err = ctx.Err()
	}
	t.clearDialLocked()
	if err != nil {
		t.mu.Unlock()
		t.logger.Warn("dial failed", "url", t.cfg.URL, "error", err)
		t.deliver(model.NewError(fmt.Errorf("dial: %w", err)))
		return
	}

	done := make(chan struct{})
	t.conn = conn
	t.done = done
	t.connected = true
	t.connectionID = ""
	t.lastPingAt = time.Now()
	t.mu.Unlock()

	// Server pings are answered with pongs; either direction counts as liveness.
	conn.SetPingHandler(func(data string) error {
		t.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		t.touch()
		return nil
	})

	go t.readLoop(conn, done)
	go t.pingLoop(conn, done)

	t.logger.Debug("websocket connected", "url", t.cfg.URL)
}

func (t *WSTransport) finishDial(seq uint64) {
	t.mu.Lock()
	if seq == t.dialSeq {
		t.clearDialLocked()
	}
	t.mu.Unlock()
}

func (t *WSTransport) clearDialLocked() {
	if t.cancelDial != nil {
		t.cancelDial()
	}
	t.dialing = false
	t.dialCtx = nil
	t.cancelDial = nil
}

func (t *WSTransport) handshakeHeader(u *url.URL) (http.Header, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", version.UserAgent())
	header.Set(ClientIDHeader, t.clientID.String())

	if t.signer == nil {
		return header, nil
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	signed, err := t.signer.SignHeaders(http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	for k, vs := range signed {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	return header, nil
}

// Disconnect cancels a pending dial and closes an open session.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	t.dialSeq++
	t.clearDialLocked()
	conn, done := t.conn, t.done
	t.conn = nil
	t.done = nil
	t.connected = false
	t.connectionID = ""
	t.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn == nil {
		return nil
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}

// IsConnected returns the current connection state.
func (t *WSTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// ConnectionID returns the id from the last ack on this session.
func (t *WSTransport) ConnectionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connectionID
}

// SendHeartbeat writes a heartbeat frame, subject to the rate limit.
func (t *WSTransport) SendHeartbeat() error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	if !t.limiter.Allow() {
		return ErrHeartbeatThrottled
	}
	frame, err := json.Marshal(model.Message{Type: model.TypeHeartbeat})
	if err != nil {
		return err
	}
	return t.Send(frame)
}

// Send writes raw bytes to the connection.
func (t *WSTransport) Send(data []byte) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// On registers handler for one message type.
func (t *WSTransport) On(msgType string, handler MessageHandler) func() {
	return t.addListener(msgType, handler)
}

// OnAny registers handler for all messages.
func (t *WSTransport) OnAny(handler MessageHandler) func() {
	return t.addListener("", handler)
}

// Listeners returns the number of registered listeners.
func (t *WSTransport) Listeners() int {
	t.lmu.RLock()
	defer t.lmu.RUnlock()
	return len(t.listeners)
}

func (t *WSTransport) addListener(msgType string, handler MessageHandler) func() {
	t.lmu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, listener{id: id, msgType: msgType, fn: handler})
	t.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.removeListener(id) })
	}
}

func (t *WSTransport) removeListener(id uint64) {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	for i, l := range t.listeners {
		if l.id == id {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// deliver calls matching listeners in registration order.
func (t *WSTransport) deliver(msg model.Message) {
	t.lmu.RLock()
	matched := make([]MessageHandler, 0, len(t.listeners))
	for _, l := range t.listeners {
		if l.msgType == "" || l.msgType == msg.Type {
			matched = append(matched, l.fn)
		}
	}
	t.lmu.RUnlock()

	for _, fn := range matched {
		fn(msg)
	}
}

func (t *WSTransport) touch() {
	t.mu.Lock()
	t.lastPingAt = time.Now()
	t.mu.Unlock()
}

// teardown drops the session if conn is still current. It reports whether
// this call did the teardown.
func (t *WSTransport) teardown(conn *websocket.Conn, done chan struct{}) bool {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return false
	}
	t.conn = nil
	t.done = nil
	t.connected = false
	t.connectionID = ""
	t.mu.Unlock()

	close(done)
	conn.Close()
	return true
}

// readLoop decodes frames and hands them to listeners.
func (t *WSTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after Disconnect
			select {
			case <-done:
				return
			default:
			}
			if t.teardown(conn, done) {
				t.logger.Warn("websocket read failed", "error", err)
				t.deliver(model.NewError(fmt.Errorf("read: %w", err)))
			}
			return
		}

		msg, err := model.Decode(data, receivedAt)
		if err != nil {
			t.logger.Debug("dropping undecodable frame", "error", err, "size", len(data))
			continue
		}

		if msg.IsAck() {
			t.mu.Lock()
			if t.conn == conn {
				t.connectionID = msg.ConnectionID
			}
			t.mu.Unlock()
		}

		t.deliver(msg)
	}
}

// pingLoop keeps the session alive and detects stale connections.
func (t *WSTransport) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				t.logger.Debug("failed to send ping", "error", err)
			}

			t.mu.RLock()
			lastPing := t.lastPingAt
			t.mu.RUnlock()

			if time.Since(lastPing) > t.cfg.PingTimeout {
				if t.teardown(conn, done) {
					t.logger.Warn("no ping received, connection stale",
						"last_ping", lastPing,
						"timeout", t.cfg.PingTimeout,
					)
					t.deliver(model.NewError(ErrStaleConnection))
				}
				return
			}
		}
	}
}
