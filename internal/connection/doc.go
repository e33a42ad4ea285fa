// Package connection implements the client side of a real-time stream.
//
// The Manager:
//   - Owns one logical connection through a Transport
//   - Tracks Disconnected/Connecting/Connected/Reconnecting on a single event loop
//   - Reconciles its state against the transport once per poll interval
//   - Retries drops with capped exponential backoff plus jitter, then fails stop
//   - Fans inbound messages out to the caller through the Dispatcher
//
// WSTransport is the gorilla/websocket implementation of Transport.
package connection
