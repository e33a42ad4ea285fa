package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/streamlink/internal/model"
)

const (
	namespace = "streamlink"

	// otherType labels messages outside the tracked type set.
	otherType     = "other"
	maxTypeLabels = 64
)

// Metrics holds the collectors exported by a streamlink client.
type Metrics struct {
	state          *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	retries        prometheus.Counter
	retryDelay     prometheus.Histogram
	exhausted      prometheus.Counter
	dispatched     *prometheus.CounterVec
	heartbeats     *prometheus.CounterVec
	journalFlushes prometheus.Counter
	journalRows    prometheus.Counter
	journalErrors  prometheus.Counter

	typeMu     sync.Mutex
	typeLabels map[string]struct{}
	typesFixed bool
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		typeLabels: make(map[string]struct{}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current connection state, 0 for the others.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay chosen for each reconnect attempt.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_exhausted_total",
			Help:      "Times the reconnect budget ran out.",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "messages_total",
			Help:      "Messages dispatched to listeners by type.",
		}, []string{"type"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "heartbeats_total",
			Help:      "Heartbeat requests by outcome.",
		}, []string{"result"}),
		journalFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "flushes_total",
			Help:      "Journal batch flushes.",
		}),
		journalRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "rows_total",
			Help:      "Rows written to the journal.",
		}),
		journalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "errors_total",
			Help:      "Failed journal flushes.",
		}),
	}

	reg.MustRegister(
		m.state,
		m.transitions,
		m.retries,
		m.retryDelay,
		m.exhausted,
		m.dispatched,
		m.heartbeats,
		m.journalFlushes,
		m.journalRows,
		m.journalErrors,
	)
	return m
}

// StateChanged records a transition and moves the state gauge.
func (m *Metrics) StateChanged(from, to model.ConnectionState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
	for _, s := range model.States() {
		v := 0.0
		if s == to {
			v = 1
		}
		m.state.WithLabelValues(s.String()).Set(v)
	}
}

// RetryScheduled records a reconnect attempt and its delay.
func (m *Metrics) RetryScheduled(delay time.Duration) {
	if m == nil {
		return
	}
	m.retries.Inc()
	m.retryDelay.Observe(delay.Seconds())
}

// RetriesExhausted records that the reconnect budget ran out.
func (m *Metrics) RetriesExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// LimitTypes fixes the type label set to types plus the ack and error
// tags. Without it the first maxTypeLabels types seen get their own label.
// Either way the rest count as "other".
func (m *Metrics) LimitTypes(types []string) {
	if m == nil || len(types) == 0 {
		return
	}
	m.typeMu.Lock()
	defer m.typeMu.Unlock()

	m.typesFixed = true
	m.typeLabels = map[string]struct{}{
		model.TypeConnectionAck: {},
		model.TypeError:         {},
	}
	for _, t := range types {
		if t != "" {
			m.typeLabels[t] = struct{}{}
		}
	}
}

func (m *Metrics) typeLabel(msgType string) string {
	m.typeMu.Lock()
	defer m.typeMu.Unlock()

	if _, ok := m.typeLabels[msgType]; ok {
		return msgType
	}
	if m.typesFixed || msgType == "" || len(m.typeLabels) >= maxTypeLabels {
		return otherType
	}
	m.typeLabels[msgType] = struct{}{}
	return msgType
}

// MessageDispatched counts one dispatched message.
func (m *Metrics) MessageDispatched(msgType string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(m.typeLabel(msgType)).Inc()
}

// HeartbeatSent counts a heartbeat request; err is the transport result.
func (m *Metrics) HeartbeatSent(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

// JournalFlushed records a successful flush of n rows.
func (m *Metrics) JournalFlushed(n int) {
	if m == nil {
		return
	}
	m.journalFlushes.Inc()
	m.journalRows.Add(float64(n))
}

// JournalFailed records a failed flush.
func (m *Metrics) JournalFailed() {
	if m == nil {
		return
	}
	m.journalErrors.Inc()
}
