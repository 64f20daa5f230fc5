// Package bus provides the gateway's persisted pub/sub event stream.
//
// # Overview
//
// The bus sits between the orchestrator, the workflow engine, and the
// transport layer. Producers publish events on a topic; every event is
// appended to the SQLite ledger first and then fanned out to live
// subscribers. Consumers that were offline replay the ledger instead of
// missing data.
//
// # Topics
//
// A topic is a conversation ID. Two synthetic topic families reuse the same
// key space:
//
//   - "workflow:<experiment_id>": batch progress events
//   - arbitrary conversation UUIDs: interactive chat streams
//
// # Ordering
//
// Publish assigns each event a sequence number scoped to its correlation ID
// (one correlated task is one ordered stream). Uncorrelated events sequence
// per conversation. Terminal done and error events retire the counter.
//
// # Backpressure
//
// Every subscriber owns a bounded queue (bus.queue_depth, default 64). When
// a queue is full the bus evicts the oldest buffered event rather than
// blocking the publisher or silently losing the newest data. Evictions are
// counted per subscriber and reported in-band with a stream_truncated event
// whose payload carries the exact count:
//
//	{"dropped": 17}
//
// Markers are synthetic per-subscriber events. They are not ledgered and
// carry no sequence number, so a client that sees one can re-fetch the gap
// from History.
//
// # Resume
//
// Terminal outcomes of correlated tasks are retained in an LRU cache
// (bus.resume_cache_size, bus.resume_ttl). A client that reconnects after
// its task finished calls Resume with the correlation ID and receives the
// final text or error without replaying the token stream.
package bus
