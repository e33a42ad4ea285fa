package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/streamlink/internal/model"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return mockWSServerWithRequest(t, func(_ *http.Request, conn *websocket.Conn) { handler(conn) })
}

func mockWSServerWithRequest(t *testing.T, handler func(*http.Request, *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// drain keeps the server side reading until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testClientConfig(url string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = url
	cfg.HandshakeTimeout = time.Second
	return cfg
}

// collector gathers delivered messages.
type collector struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (c *collector) handle(msg model.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return messageTypes(c.msgs)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type staticSigner struct {
	mu     sync.Mutex
	paths  []string
	header http.Header
	err    error
}

func (s *staticSigner) SignHeaders(method, path string) (http.Header, error) {
	s.mu.Lock()
	s.paths = append(s.paths, method+" "+path)
	s.mu.Unlock()
	return s.header, s.err
}

func TestWSTransport_ConnectAndAck(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection_ack","connection_id":"abc-123"}`))
		drain(conn)
	})
	defer server.Close()

	tr := NewWSTransport(testClientConfig(wsURL(server)), nil, nil)
	acks := &collector{}
	tr.On(model.TypeConnectionAck, acks.handle)

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	require.Eventually(t, func() bool { return acks.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, tr.IsConnected())
	assert.Equal(t, "abc-123", tr.ConnectionID())

	acks.mu.Lock()
	assert.False(t, acks.msgs[0].ReceivedAt.IsZero())
	assert.NotEmpty(t, acks.msgs[0].Raw)
	acks.mu.Unlock()
}

func TestWSTransport_ConnectWhileConnectedIsNoop(t *testing.T) {
	var mu sync.Mutex
	upgrades := 0
	server := mockWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		upgrades++
		mu.Unlock()
		drain(conn)
	})
	defer server.Close()

	tr := NewWSTransport(testClientConfig(wsURL(server)), nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	require.Eventually(t, tr.IsConnected, time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Connect(context.Background()))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, upgrades)
}

func TestWSTransport_HandshakeHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	server := mockWSServerWithRequest(t, func(r *http.Request, conn *websocket.Conn) {
		headers <- r.Header.Clone()
		drain(conn)
	})
	defer server.Close()

	signer := &staticSigner{header: http.Header{"X-Stream-Signature": []string{"sig"}}}
	tr := NewWSTransport(testClientConfig(wsURL(server)+"/stream"), signer, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	select {
	case h := <-headers:
		assert.Equal(t, "sig", h.Get("X-Stream-Signature"))
		assert.Equal(t, tr.ClientID().String(), h.Get(ClientIDHeader))
		assert.True(t, strings.HasPrefix(h.Get("User-Agent"), "streamlink/"), h.Get("User-Agent"))
	case <-time.After(time.Second):
		t.Fatal("handshake not received")
	}

	signer.mu.Lock()
	assert.Equal(t, []string{"GET /stream"}, signer.paths)
	signer.mu.Unlock()
}

func TestWSTransport_SignerErrorDelivered(t *testing.T) {
	tr := NewWSTransport(testClientConfig("ws://127.0.0.1:1/stream"), &staticSigner{err: errors.New("no key")}, nil)
	errs := &collector{}
	tr.On(model.TypeError, errs.handle)

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool { return errs.len() == 1 }, time.Second, 5*time.Millisecond)

	errs.mu.Lock()
	assert.Contains(t, errs.msgs[0].Message, "no key")
	errs.mu.Unlock()
	assert.False(t, tr.IsConnected())

	// A failed dial leaves the transport free to try again.
	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool { return errs.len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestWSTransport_DialFailureDelivered(t *testing.T) {
	server := mockWSServer(t, drain)
	url := wsURL(server)
	server.Close()

	tr := NewWSTransport(testClientConfig(url), nil, nil)
	all := &collector{}
	tr.OnAny(all.handle)

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool { return all.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{model.TypeError}, all.types())
	assert.False(t, tr.IsConnected())
}

func TestWSTransport_EmptyURL(t *testing.T) {
	tr := NewWSTransport(ClientConfig{}, nil, nil)
	assert.ErrorIs(t, tr.Connect(context.Background()), ErrEmptyURL)
}

func TestWSTransport_TypedAndWildcardListeners(t *testing.T) {
	release := make(chan struct{})
	server := mockWSServer(t, func(conn *websocket.Conn) {
		<-release
		for _, frame := range []string{
			`{"type":"trade","data":{"px":1}}`,
			`not json`,
			`{"data":"untyped"}`,
			`{"type":"quote"}`,
		} {
			conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		drain(conn)
	})
	defer server.Close()

	tr := NewWSTransport(testClientConfig(wsURL(server)), nil, nil)
	trades, all, removed := &collector{}, &collector{}, &collector{}
	tr.On("trade", trades.handle)
	tr.OnAny(all.handle)
	unsubscribe := tr.OnAny(removed.handle)
	assert.Equal(t, 3, tr.Listeners())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 2, tr.Listeners())

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	require.Eventually(t, tr.IsConnected, time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return all.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"trade", "quote"}, all.types())
	assert.Equal(t, []string{"trade"}, trades.types())
	assert.Equal(t, 0, removed.len())
}

func TestWSTransport_SendAndHeartbeat(t *testing.T) {
	received := make(chan []byte, 4)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	})
	defer server.Close()

	tr := NewWSTransport(testClientConfig(wsURL(server)), nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	require.Eventually(t, tr.IsConnected, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Send([]byte(`{"test":"message"}`)))
	require.NoError(t, tr.SendHeartbeat())

	for _, want := range []string{`{"test":"message"}`, `{"type":"heartbeat"}`} {
		select {
		case got := <-received:
			assert.Equal(t, want, string(got))
		case <-time.After(time.Second):
			t.Fatalf("server did not receive %s", want)
		}
	}
}

func TestWSTransport_HeartbeatRateLimited(t *testing.T) {
	server := mockWSServer(t, drain)
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.HeartbeatRate = 0.001
	cfg.HeartbeatBurst = 1
	tr := NewWSTransport(cfg, nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	require.Eventually(t, tr.IsConnected, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.SendHeartbeat())
	assert.ErrorIs(t, tr.SendHeartbeat(), ErrHeartbeatThrottled)
}

func TestWSTransport_SendNotConnected(t *testing.T) {
	tr := NewWSTransport(testClientConfig("ws://localhost:12345"), nil, nil)

	assert.ErrorIs(t, tr.Send([]byte("test")), ErrNotConnected)
	assert.ErrorIs(t, tr.SendHeartbeat(), ErrNotConnected)
}

func TestWSTransport_ServerCloseReported(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
	})
	defer server.Close()

	tr := NewWSTransport(testClientConfig(wsURL(server)), nil, nil)
	errs := &collector{}
	tr.On(model.TypeError, errs.handle)

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, tr.IsConnected, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return errs.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, tr.IsConnected())
	assert.Empty(t, tr.ConnectionID())
}

func TestWSTransport_DoubleDisconnect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	tr := NewWSTransport(testClientConfig(wsURL(server)), nil, nil)
	errs := &collector{}
	tr.On(model.TypeError, errs.handle)

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, tr.IsConnected, time.Second, 5*time.Millisecond)

	assert.NoError(t, tr.Disconnect())
	assert.NoError(t, tr.Disconnect())
	assert.False(t, tr.IsConnected())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, errs.len(), "a requested disconnect is not an error")
}

func TestWSTransport_StaleConnection(t *testing.T) {
	// The server never reads, so client pings are never answered.
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 50 * time.Millisecond
	tr := NewWSTransport(cfg, nil, nil)
	errs := &collector{}
	tr.On(model.TypeError, errs.handle)

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool { return errs.len() == 1 }, time.Second, 5*time.Millisecond)

	errs.mu.Lock()
	assert.Equal(t, ErrStaleConnection.Error(), errs.msgs[0].Message)
	errs.mu.Unlock()
	assert.False(t, tr.IsConnected())
}

func TestWSTransport_ServerPingKeepsAlive(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 30; i++ {
			if err := conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 80 * time.Millisecond
	tr := NewWSTransport(cfg, nil, nil)

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	require.Eventually(t, tr.IsConnected, time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.True(t, tr.IsConnected())
}

func TestWSTransport_WithManager(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection_ack","connection_id":"live-1"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"trade","data":{"px":2}}`))
		drain(conn)
	})
	defer server.Close()

	tr := NewWSTransport(testClientConfig(wsURL(server)), nil, nil)
	opts := testOptions()
	opts.AutoConnect = true
	m, rec := startManager(t, tr, opts)

	require.Eventually(t, func() bool {
		return m.IsConnected() && len(rec.snapshot().messages) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "live-1", m.ConnectionID())

	m.Disconnect()
	m.barrier()
	assert.Equal(t, 0, tr.Listeners())
	assert.False(t, tr.IsConnected())
}

func TestTransports_GetRemove(t *testing.T) {
	reg := NewTransports()

	created := 0
	create := func() Transport {
		created++
		return newFakeTransport()
	}

	a := reg.Get("ws://a", create)
	b := reg.Get("ws://a", create)
	assert.Same(t, a, b)
	reg.Get("ws://b", create)
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, reg.Len())

	require.NoError(t, reg.Remove("ws://a"))
	require.NoError(t, reg.Remove("ws://missing"))
	assert.Equal(t, 1, reg.Len())
	_, disconnects := a.(*fakeTransport).calls()
	assert.Equal(t, 1, disconnects)
}

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 60*time.Second, cfg.PingTimeout)
	assert.Equal(t, 2, cfg.HeartbeatBurst)
}

// stallFirstServer never answers the first handshake until release is
// closed; later handshakes upgrade and ack with id.
func stallFirstServer(t *testing.T, release <-chan struct{}, id string) (*httptest.Server, func() int) {
	var mu sync.Mutex
	requests := 0
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()

		if n == 1 {
			<-release
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection_ack","connection_id":"`+id+`"}`))
		drain(conn)
	}))

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return requests
	}
	return server, count
}

func TestWSTransport_ConnectReplacesCancelledDial(t *testing.T) {
	release := make(chan struct{})
	server, requests := stallFirstServer(t, release, "second")
	defer server.Close()
	defer close(release)

	tr := NewWSTransport(testClientConfig(wsURL(server)), nil, nil)
	defer tr.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Connect(ctx))
	require.Eventually(t, func() bool { return requests() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	// The first dial is still stuck in its handshake.
	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, tr.IsConnected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return tr.ConnectionID() == "second" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, requests())
}

func TestWSTransport_CancelledDialClearsState(t *testing.T) {
	release := make(chan struct{})
	server, requests := stallFirstServer(t, release, "after-cancel")
	defer server.Close()
	defer close(release)

	cfg := testClientConfig(wsURL(server))
	cfg.HandshakeTimeout = 200 * time.Millisecond
	tr := NewWSTransport(cfg, nil, nil)
	defer tr.Disconnect()

	errs := &collector{}
	tr.On(model.TypeError, errs.handle)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Connect(ctx))
	require.Eventually(t, func() bool { return requests() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	// The abandoned dial reports an error and releases the dialing slot.
	require.Eventually(t, func() bool { return errs.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	tr.mu.RLock()
	dialing := tr.dialing
	tr.mu.RUnlock()
	assert.False(t, dialing)

	errs.mu.Lock()
	assert.Contains(t, errs.msgs[0].Message, "dial")
	errs.mu.Unlock()

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, tr.IsConnected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return tr.ConnectionID() == "after-cancel" }, time.Second, 5*time.Millisecond)
}
