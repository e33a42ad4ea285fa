// Package model defines the types shared between the connection manager,
// the websocket transport, the journal and the metrics collectors.
//
// Conventions:
//   - Messages are JSON objects discriminated by a "type" field
//   - Timestamps are time.Time in memory, microseconds since epoch in storage
//   - Connection ids are opaque strings issued by the server
package model
