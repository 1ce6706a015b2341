// Package store provides SQLite-backed durable storage for fulfil.
//
// Two kinds of state live here:
//   - Progress tokens: the last completed iteration of each resumable task,
//     keyed by task identity. This is the only state the engine reads back.
//   - The run log: one row per pipeline run plus every engine event, written
//     by EventRecorder for inspection. It is never replayed.
//
// # Ordering
//
// Events are ordered by seq, the engine's logical clock, never by wall time.
// All event queries use ORDER BY seq ASC.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: events must belong to a run
//   - A single open connection: SQLite has one writer
package store
