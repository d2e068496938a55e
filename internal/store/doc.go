// Package store journals farm history in SQLite.
//
// # Architecture
//
// The hub's live state is in memory; the journal is a record of what
// happened to it. SQLiteStore implements both Journal, read by the HTTP API,
// and events.Sink, so the event bus writes to it without blocking the
// scheduler.
//
// # Data Model
//
// A single append-only events table holds every event kind:
//
//   - node.*: registration, connection changes, release, start/pause/idle
//   - block.*: creation, assignment, start, completion, failure, retry, deletion
//   - console: an agent console line with its "<node>> " prefix
//
// Rows are keyed by event ID, so replaying an event is a no-op. Queries
// return the newest rows matching a filter, oldest first.
//
// # SQLite Configuration
//
// File-backed journals use WAL mode with a busy timeout:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// An empty path or ":memory:" keeps the journal in a single-connection
// in-memory database, which is what the tests use.
package store
