// Package journal persists connection lifecycle events to PostgreSQL.
//
// Producers (the connection manager callbacks) push events into an
// unbounded queue and never block. A consumer goroutine accumulates rows
// and writes them with pgx.Batch when the batch fills or the flush
// interval elapses. Rows are keyed by a random UUID and inserted with
// ON CONFLICT DO NOTHING, so a retried batch is harmless.
package journal
