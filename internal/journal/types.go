package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Event kinds.
const (
	KindTransition = "transition"
	KindMessage    = "message"
)

// DB is the subset of *pgxpool.Pool the journal uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config controls batching.
type Config struct {
	InstanceID    string
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row waits before being written
	BufferSize    int           // Initial queue capacity
	RecordData    bool          // Store message payloads, not just their type
	FlushTimeout  time.Duration // Deadline for one batch insert
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 1 * time.Second,
		BufferSize:    10000,
		FlushTimeout:  10 * time.Second,
	}
}

// Event is one journal row.
type Event struct {
	ID           uuid.UUID
	Kind         string
	ConnectionID string
	FromState    string
	ToState      string
	Attempt      int
	MsgType      string
	Payload      []byte // Raw JSON frame; nil unless RecordData
	OccurredAt   time.Time
}

// Stats tracks journal activity.
type Stats struct {
	Queued    int   // Events waiting in the input queue
	Pending   int   // Events in the current unflushed batch
	Inserts   int64 // Rows written
	Conflicts int64 // Rows skipped as duplicates
	Flushes   int64
	Errors    int64 // Failed batches
	Dropped   int64 // Events rejected after Stop
}
