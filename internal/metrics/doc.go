// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state and state transitions
//   - Reconnect attempts, backoff delays and exhaustion
//   - Dispatched messages by type and heartbeats sent
//   - Journal flushes, inserts and errors
//
// Every method is safe on a nil *Metrics so callers can leave metrics unset.
package metrics
