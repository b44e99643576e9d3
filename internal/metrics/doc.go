// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Stream connection state, reconnects and give-ups
//   - Outbound frames, batch sizes and queue depth
//   - Inbound messages by type, parse errors and throttle coalescing
//   - Writer batch sizes and flush errors
//
// All methods are safe to call on a nil *Metrics.
package metrics
