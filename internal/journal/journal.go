package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/streamlink/internal/buffer"
	"github.com/rickgao/streamlink/internal/metrics"
	"github.com/rickgao/streamlink/internal/model"
)

// Journal batches lifecycle events into the stream_events table.
type Journal struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	input *buffer.Queue[Event]
	db    DB

	// Batching
	batch   []Event
	batchMu sync.Mutex
	stats   Stats

	// Lifecycle
	flushCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a journal writing to db.
func New(cfg Config, db DB, m *metrics.Metrics, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}

	return &Journal{
		cfg:     cfg,
		logger:  logger.With("component", "journal"),
		metrics: m,
		input:   buffer.New[Event](cfg.BufferSize),
		db:      db,
		batch:   make([]Event, 0, cfg.BatchSize),
	}
}

// RecordTransition queues a state change. It never blocks.
func (j *Journal) RecordTransition(tr model.Transition) {
	j.push(Event{
		Kind:         KindTransition,
		ConnectionID: tr.ConnectionID,
		FromState:    tr.From.String(),
		ToState:      tr.To.String(),
		Attempt:      tr.Attempt,
		OccurredAt:   tr.At,
	})
}

// RecordMessage queues a dispatched message. The payload is kept only
// when RecordData is set.
func (j *Journal) RecordMessage(msg model.Message) {
	ev := Event{
		Kind:         KindMessage,
		ConnectionID: msg.ConnectionID,
		MsgType:      msg.Type,
		OccurredAt:   msg.ReceivedAt,
	}
	if j.cfg.RecordData && len(msg.Raw) > 0 {
		ev.Payload = msg.Raw
	}
	j.push(ev)
}

func (j *Journal) push(ev Event) {
	ev.ID = uuid.New()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	if !j.input.Push(ev) {
		j.batchMu.Lock()
		j.stats.Dropped++
		j.batchMu.Unlock()
	}
}

// Start begins consuming events and writing to the database.
func (j *Journal) Start(ctx context.Context) error {
	// Flushes must outlive ctx so the final batch still lands on shutdown.
	j.flushCtx, j.cancel = context.WithCancel(context.WithoutCancel(ctx))

	j.wg.Add(1)
	go j.consumeLoop()

	j.wg.Add(1)
	go j.flushLoop(ctx)

	j.logger.Info("journal started",
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
		"record_data", j.cfg.RecordData,
	)
	return nil
}

// Stop drains queued events, writes the final batch and waits for the
// goroutines, bounded by ctx.
func (j *Journal) Stop(ctx context.Context) error {
	j.stopOnce.Do(func() {
		j.logger.Info("stopping journal")
		j.input.Close()
	})

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info("journal stopped")
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out")
		if j.cancel != nil {
			j.cancel()
		}
		return ctx.Err()
	}

	if j.cancel != nil {
		j.cancel()
	}
	return nil
}

// Stats returns current counters.
func (j *Journal) Stats() Stats {
	j.batchMu.Lock()
	defer j.batchMu.Unlock()
	s := j.stats
	s.Pending = len(j.batch)
	s.Queued = j.input.Len()
	return s
}

// consumeLoop moves events from the queue into batches until the queue
// is closed and empty.
func (j *Journal) consumeLoop() {
	defer j.wg.Done()

	for {
		ev, ok := j.input.Pop()
		if !ok {
			j.flush()
			return
		}
		j.add(ev)
	}
}

// flushLoop periodically flushes the batch.
func (j *Journal) flushLoop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.flushCtx.Done():
			return
		case <-ticker.C:
			if j.input.Stats().IsClosed {
				return
			}
			j.flush()
		}
	}
}

func (j *Journal) add(ev Event) {
	j.batchMu.Lock()
	j.batch = append(j.batch, ev)
	shouldFlush := len(j.batch) >= j.cfg.BatchSize
	j.batchMu.Unlock()

	if shouldFlush {
		j.flush()
	}
}

// flush writes the current batch to the database.
func (j *Journal) flush() {
	j.batchMu.Lock()
	if len(j.batch) == 0 {
		j.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := j.batch
	j.batch = make([]Event, 0, j.cfg.BatchSize)
	j.batchMu.Unlock()

	start := time.Now()

	conflicts, err := j.batchInsert(batch)
	if err != nil {
		j.logger.Error("batch insert failed", "error", err, "count", len(batch))
		j.batchMu.Lock()
		j.stats.Errors++
		j.batchMu.Unlock()
		j.metrics.JournalFailed()
		return
	}

	inserted := len(batch) - conflicts
	j.batchMu.Lock()
	j.stats.Inserts += int64(inserted)
	j.stats.Conflicts += int64(conflicts)
	j.stats.Flushes++
	j.batchMu.Unlock()
	j.metrics.JournalFlushed(inserted)

	j.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

const insertEvent = `
	INSERT INTO stream_events (id, instance_id, kind, connection_id, from_state, to_state, attempt, msg_type, payload, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING
`

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (j *Journal) batchInsert(rows []Event) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		var payload any
		if r.Payload != nil {
			payload = string(r.Payload)
		}
		batch.Queue(insertEvent,
			r.ID, j.cfg.InstanceID, r.Kind, r.ConnectionID, r.FromState, r.ToState,
			r.Attempt, r.MsgType, payload, r.OccurredAt.UnixMicro(),
		)
	}

	ctx, cancel := context.WithTimeout(j.flushCtx, j.cfg.FlushTimeout)
	defer cancel()

	results := j.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
