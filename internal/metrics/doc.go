// Package metrics exports stream status as Prometheus metrics.
//
// Key metrics:
//   - Connection state per provider (one series per state, 1 for current)
//   - Message and byte counters in both directions
//   - Reconnects, queue and broadcast drops, subscription errors
//   - Fallback activity and poll outcomes
//   - Average latency, uptime and time since the last message
//
// Values are read from manager status snapshots on every scrape, so the
// collector holds no state of its own.
package metrics
