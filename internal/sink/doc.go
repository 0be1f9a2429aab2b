// Package sink implements consumers of manager events.
//
// Sinks:
//   - Multi fans one event out to several sinks
//   - NATSPublisher publishes JSON events on <prefix>.<provider>.<kind>
//   - RedisCache keeps the latest price per symbol (latest:<provider>:<symbol>)
//   - Archiver drains provider queues into Postgres (stream_events)
//
// Push sinks are called on the manager's event path and must not block;
// RedisCache hands work to its own worker for that reason. The Archiver is
// a pull consumer and never sees events it did not drain.
package sink
