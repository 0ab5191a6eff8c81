// Package stores persists execution records so sessions can suspend and
// resume across processes.
//
// Two implementations satisfy engine.RecordStore:
//
//   - SQLiteStore keeps each record as a JSON document in SQLite (WAL mode,
//     embedded golang-migrate migrations) next to an append-only event log.
//   - MemoryStore keeps records in process memory for tests and one-shot runs.
//
// Both use optimistic versioning: SaveRecord only succeeds when the caller
// holds the latest version, and bumps the version on success. A writer with a
// stale copy gets an engine error with code STALE_RECORD.
package stores
