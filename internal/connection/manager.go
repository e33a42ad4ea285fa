package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/streamlink/internal/buffer"
	"github.com/rickgao/streamlink/internal/metrics"
	"github.com/rickgao/streamlink/internal/model"
)

type eventKind int

const (
	evConnect eventKind = iota
	evReconnect
	evSettled
	evDisconnect
	evMessage
	evTransportError
	evPoll
	evRetry
	evBarrier
	evStop
)

// event is the unit of work for the manager loop. Commands, transport
// callbacks and timer fires all become events.
type event struct {
	kind  eventKind
	cycle uuid.UUID // Connect cycle that produced the event
	gen   uint64    // Timer generation for evRetry/evSettled
	msg   model.Message
	done  chan struct{}
}

// Manager keeps a single logical connection alive. All lifecycle state is
// owned by one goroutine; public methods enqueue commands and return.
type Manager struct {
	opts      Options
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics

	scheduler  *Scheduler
	subs       *Registry
	dispatcher *Dispatcher
	mailbox    *buffer.Queue[event]

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	loopDone chan struct{}

	// Loop-owned state.
	state        model.ConnectionState
	attempts     int
	connecting   bool
	exhausted    bool
	cycle        uuid.UUID
	connectionID string
	settle       *time.Timer
	settleGen    uint64
	settling     bool

	// Published after every event for readers on other goroutines.
	mu      sync.RWMutex
	stats   ManagerStats
	last    model.Message
	hasLast bool
}

// NewManager creates a manager for t. The loop does not run until Start.
func NewManager(t Transport, opts Options, logger *slog.Logger) (*Manager, error) {
	if t == nil {
		return nil, ErrNilTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts.normalize()

	m := &Manager{
		opts:      opts,
		transport: t,
		logger:    logger.With("component", "connection_manager"),
		metrics:   opts.Metrics,
		scheduler: NewScheduler(opts.Policy),
		subs:      NewRegistry(logger),
		mailbox:   buffer.New[event](64),
		loopDone:  make(chan struct{}),
		state:     model.StateDisconnected,
	}
	m.dispatcher = NewDispatcher(m.handleAck, opts.OnError, opts.OnMessage, opts.Metrics, m.logger)
	m.publish()
	return m, nil
}

// Start runs the event loop and, with AutoConnect, requests a connection.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	go m.run()
	go m.watchContext()

	if m.opts.AutoConnect {
		m.enqueue(event{kind: evConnect})
	}

	m.logger.Info("connection manager started",
		"auto_connect", m.opts.AutoConnect,
		"message_types", m.opts.MessageTypes,
		"max_attempts", m.opts.Policy.MaxAttempts,
	)
	return nil
}

// Stop disconnects and waits for the loop to exit.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.started.Load() {
		m.mailbox.Close()
		return nil
	}

	m.enqueue(event{kind: evStop})

	select {
	case <-m.loopDone:
	case <-ctx.Done():
		m.logger.Warn("connection manager stop timed out")
		m.cancel()
		// The queued stop still runs once the loop unblocks.
		m.mailbox.Close()
		return ctx.Err()
	}

	m.cancel()
	m.logger.Info("connection manager stopped")
	return nil
}

// Connect requests a connection. It is a no-op while a connect is in
// flight or the manager is already connected.
func (m *Manager) Connect() { m.enqueue(event{kind: evConnect}) }

// Reconnect forces a clean cycle: disconnect, reset the retry budget, and
// connect again after the settle delay.
func (m *Manager) Reconnect() { m.enqueue(event{kind: evReconnect}) }

// Disconnect closes the connection and suppresses automatic reconnects
// until the next Connect or Reconnect.
func (m *Manager) Disconnect() { m.enqueue(event{kind: evDisconnect}) }

// SendHeartbeat forwards a heartbeat to the transport. Failures, including
// not being connected, are logged and dropped.
func (m *Manager) SendHeartbeat() {
	err := m.transport.SendHeartbeat()
	m.metrics.HeartbeatSent(err)
	if err != nil {
		m.logger.Debug("heartbeat not sent", "error", err)
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() model.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats.State
}

// IsConnected reports whether the state machine is Connected.
func (m *Manager) IsConnected() bool {
	return m.State() == model.StateConnected
}

// ConnectionID returns the id of the current connection, or "".
func (m *Manager) ConnectionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats.ConnectionID
}

// LastMessage returns the most recently dispatched message.
func (m *Manager) LastMessage() (model.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.hasLast
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Manager) enqueue(ev event) {
	if !m.mailbox.Push(ev) {
		m.logger.Debug("manager stopped, dropping event", "kind", ev.kind)
	}
}

// barrier blocks until every event queued before it has been handled.
func (m *Manager) barrier() {
	done := make(chan struct{})
	m.enqueue(event{kind: evBarrier, done: done})
	select {
	case <-done:
	case <-m.loopDone:
	}
}

// watchContext stops the loop when the context given to Start ends.
func (m *Manager) watchContext() {
	select {
	case <-m.ctx.Done():
		m.logger.Info("context done, stopping connection manager")
		m.enqueue(event{kind: evStop})
	case <-m.loopDone:
	}
}

// run is the event loop.
func (m *Manager) run() {
	defer close(m.loopDone)

	for {
		ev, ok := m.mailbox.Pop()
		if !ok {
			return
		}
		if m.handle(ev) {
			m.publish()
			m.mailbox.Close()
			for _, rest := range m.mailbox.Drain(0) {
				if rest.done != nil {
					close(rest.done)
				}
			}
			return
		}
		m.publish()
	}
}

// handle applies one event. It reports true when the loop should exit.
func (m *Manager) handle(ev event) bool {
	switch ev.kind {
	case evConnect:
		m.connect()

	case evReconnect:
		m.reconnect()

	case evSettled:
		if !m.settling || ev.gen != m.settleGen {
			return false
		}
		m.settling = false
		m.settle = nil
		m.connect()

	case evDisconnect:
		m.disconnect()

	case evMessage:
		if ev.cycle != m.cycle {
			return false
		}
		if ev.msg.ConnectionID == "" && ev.msg.Type != model.TypeConnectionAck {
			ev.msg.ConnectionID = m.connectionID
		}
		m.dispatcher.Dispatch(ev.msg)

	case evTransportError:
		if ev.cycle != m.cycle {
			return false
		}
		if m.connecting {
			m.logger.Debug("transport reported error while connecting", "error", ev.msg.Message)
		}
		m.connecting = false

	case evPoll:
		if ev.cycle != m.cycle {
			return false
		}
		m.reconcile()

	case evRetry:
		if !m.scheduler.Claim(ev.gen) {
			return false
		}
		m.logger.Info("attempting reconnection", "attempt", m.attempts)
		m.connect()

	case evBarrier:
		close(ev.done)

	case evStop:
		m.disconnect()
		return true
	}
	return false
}

// connect opens a new cycle unless one is already in flight or connected.
func (m *Manager) connect() {
	if m.connecting || m.state == model.StateConnected {
		m.logger.Debug("connect ignored", "state", m.state, "connecting", m.connecting)
		return
	}

	if m.exhausted {
		m.attempts = 0
		m.exhausted = false
	}
	m.scheduler.SetEnabled(true)
	// A manual connect during backoff replaces the armed retry.
	m.scheduler.Cancel()
	m.connecting = true

	// Stale subscriptions go before new ones are armed.
	m.subs.DisposeAll()
	cycle := uuid.New()
	m.cycle = cycle
	m.setState(model.StateConnecting)

	m.subs.Arm(m.transport, m.opts.MessageTypes,
		func(msg model.Message) { m.enqueue(event{kind: evMessage, cycle: cycle, msg: msg}) },
		func(msg model.Message) { m.enqueue(event{kind: evTransportError, cycle: cycle, msg: msg}) },
	)
	m.subs.Track(m.startPoll(cycle))

	if err := m.openTransport(); err != nil {
		m.logger.Warn("transport connect failed", "cycle", cycle, "error", err)
		m.connecting = false
		m.endCycle()
		m.setState(model.StateDisconnected)
		return
	}

	m.logger.Debug("connect cycle started", "cycle", cycle, "attempt", m.attempts)
}

// openTransport calls Transport.Connect, converting a panic into an error.
func (m *Manager) openTransport() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport connect panicked: %v", p)
		}
	}()
	return m.transport.Connect(m.ctx)
}

// startPoll ticks the reconciliation check for cycle and returns its stop
// function.
func (m *Manager) startPoll(cycle uuid.UUID) func() {
	stop := make(chan struct{})
	ticker := time.NewTicker(m.opts.PollInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.enqueue(event{kind: evPoll, cycle: cycle})
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// reconcile compares transport truth with the state machine. Callbacks
// update state immediately; this only corrects what they missed.
func (m *Manager) reconcile() {
	up := m.transport.IsConnected()

	switch {
	case up && m.state != model.StateConnected:
		m.logger.Info("transport connected without ack, reconciling", "state", m.state)
		m.scheduler.Cancel()
		m.connecting = false
		m.establish(m.transport.ConnectionID())

	case !up && (m.state == model.StateConnected || m.state == model.StateConnecting):
		m.logger.Warn("connection lost", "state", m.state, "attempts", m.attempts)
		m.handleDrop()
	}
}

// handleAck runs from the dispatcher when an ack arrives.
func (m *Manager) handleAck(msg model.Message) {
	m.connecting = false
	if m.state == model.StateConnected {
		m.connectionID = msg.ConnectionID
		m.attempts = 0
		return
	}
	m.scheduler.Cancel()
	m.establish(msg.ConnectionID)
}

// establish moves to Connected and resets the retry budget.
func (m *Manager) establish(connectionID string) {
	m.connectionID = connectionID
	m.attempts = 0
	m.exhausted = false
	m.setState(model.StateConnected)

	m.logger.Info("connected", "connection_id", connectionID)
	if m.opts.OnConnect != nil {
		safeCall(m.logger, "on_connect", func() { m.opts.OnConnect(connectionID) })
	}
}

// handleDrop either schedules the next retry or fails stop.
func (m *Manager) handleDrop() {
	m.connecting = false
	m.connectionID = ""

	if !m.scheduler.ShouldRetry(m.attempts) {
		m.exhaust()
		return
	}

	m.attempts++
	delay := m.scheduler.ComputeDelay(m.attempts)
	m.setState(model.StateReconnecting)
	m.scheduler.Schedule(func(gen uint64) {
		m.enqueue(event{kind: evRetry, gen: gen})
	}, delay)
	m.metrics.RetryScheduled(delay)

	m.logger.Info("reconnect scheduled",
		"attempt", m.attempts,
		"max_attempts", m.opts.Policy.MaxAttempts,
		"delay", delay,
	)
}

// exhaust tears the cycle down after the last permitted attempt failed.
func (m *Manager) exhaust() {
	m.logger.Error("reconnect attempts exhausted", "attempts", m.attempts)

	m.exhausted = true
	m.scheduler.Cancel()
	m.endCycle()
	m.closeTransport()
	m.setState(model.StateDisconnected)
	m.metrics.RetriesExhausted()

	if m.opts.OnDisconnect != nil {
		safeCall(m.logger, "on_disconnect", m.opts.OnDisconnect)
	}
}

// disconnect is the universal cancellation path.
func (m *Manager) disconnect() {
	m.scheduler.SetEnabled(false)
	m.scheduler.Cancel()
	m.cancelSettle()
	m.endCycle()
	m.closeTransport()

	m.connecting = false
	m.connectionID = ""
	m.attempts = 0
	m.exhausted = false

	prev := m.state
	m.setState(model.StateDisconnected)

	if prev != model.StateDisconnected {
		m.logger.Info("disconnected", "from", prev)
		if m.opts.OnDisconnect != nil {
			safeCall(m.logger, "on_disconnect", m.opts.OnDisconnect)
		}
	}
}

// reconnect runs disconnect, resets the budget and connects after the
// settle delay.
func (m *Manager) reconnect() {
	m.disconnect()
	m.attempts = 0
	m.scheduler.SetEnabled(true)

	if m.opts.SettleDelay <= 0 {
		m.connect()
		return
	}

	m.settleGen++
	gen := m.settleGen
	m.settling = true
	m.settle = time.AfterFunc(m.opts.SettleDelay, func() {
		m.enqueue(event{kind: evSettled, gen: gen})
	})
}

func (m *Manager) cancelSettle() {
	if m.settle != nil {
		m.settle.Stop()
		m.settle = nil
	}
	m.settling = false
	m.settleGen++
}

// endCycle releases the listeners and poll of the current cycle.
func (m *Manager) endCycle() {
	if n := m.subs.DisposeAll(); n > 0 {
		m.logger.Debug("subscriptions disposed", "count", n, "cycle", m.cycle)
	}
	m.cycle = uuid.Nil
}

func (m *Manager) closeTransport() {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("transport disconnect panicked", "panic", p)
		}
	}()
	if err := m.transport.Disconnect(); err != nil {
		m.logger.Debug("transport disconnect", "error", err)
	}
}

func (m *Manager) setState(to model.ConnectionState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.metrics.StateChanged(from, to)
	m.logger.Debug("state changed", "from", from, "to", to, "attempts", m.attempts)

	if m.opts.OnStateChange != nil {
		tr := model.Transition{
			From:         from,
			To:           to,
			Attempt:      m.attempts,
			ConnectionID: m.connectionID,
			At:           time.Now(),
		}
		safeCall(m.logger, "on_state_change", func() { m.opts.OnStateChange(tr) })
	}
}

// publish copies loop-owned state for readers.
func (m *Manager) publish() {
	pending := 0
	if m.scheduler.Pending() {
		pending++
	}
	if m.settling {
		pending++
	}
	last, hasLast := m.dispatcher.LastMessage()

	m.mu.Lock()
	m.stats = ManagerStats{
		State:             m.state,
		ConnectionID:      m.connectionID,
		Attempts:          m.attempts,
		Connecting:        m.connecting,
		AutoReconnect:     m.scheduler.Enabled(),
		Exhausted:         m.exhausted,
		LiveSubscriptions: m.subs.Len(),
		PendingTimers:     pending,
		Dispatched:        m.dispatcher.Dispatched(),
	}
	m.last, m.hasLast = last, hasLast
	m.mu.Unlock()
}
