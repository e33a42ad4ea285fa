package journal

import (
	"context"
	"fmt"
)

// Schema creates the stream_events table. Timestamps are microseconds
// since epoch.
const Schema = `
CREATE TABLE IF NOT EXISTS stream_events (
	id            UUID PRIMARY KEY,
	instance_id   TEXT NOT NULL,
	kind          TEXT NOT NULL,
	connection_id TEXT NOT NULL DEFAULT '',
	from_state    TEXT NOT NULL DEFAULT '',
	to_state      TEXT NOT NULL DEFAULT '',
	attempt       INTEGER NOT NULL DEFAULT 0,
	msg_type      TEXT NOT NULL DEFAULT '',
	payload       JSONB,
	occurred_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS stream_events_occurred_at_idx ON stream_events (occurred_at);
CREATE INDEX IF NOT EXISTS stream_events_kind_idx ON stream_events (instance_id, kind, occurred_at);
`

// EnsureSchema creates the journal table and indexes if they are missing.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure stream_events schema: %w", err)
	}
	return nil
}
