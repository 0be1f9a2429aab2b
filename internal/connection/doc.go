// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one Connection record per upstream Provider, created once at startup
//   - Runs a state machine per Provider (see transitions.go)
//   - Reconnects with exponential backoff, one deferred timer per failure
//   - Watches live connections for staleness and forces a reconnect
//   - Degrades to REST polling while a stream is unavailable
//   - Forwards deduplicated, batched subscription changes to the live stream
//   - Delivers every Event to a bounded per-Provider queue, the broadcast
//     hub, and an optional external Sink
package connection
