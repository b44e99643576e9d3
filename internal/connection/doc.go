// Package connection implements the streaming Connection Session.
//
// The Session:
//   - Owns one WebSocket transport to the dashboard stream server
//   - Drives the Disconnected/Connecting/Connected state machine from a single goroutine
//   - Reconnects with capped exponential backoff and gives up after a fixed attempt count
//   - Keeps the subscription registry and replays it on every successful open
//   - Drains a two-lane outbound queue in paced, type-grouped batches
//   - Feeds inbound frames to an InboundHandler (the Message Router)
package connection
