// Package store is the SQLite journal of upload attempts.
//
// Every upload gets a row before the changeset is opened and is updated
// with its outcome once the transaction ends. The journal is the only
// local trace of a changeset the server accepted but that could not be
// closed (state "unclosed").
//
// # Ordering
//
//   - Rows are ordered by seq INTEGER, a logical counter, never by timestamps
//   - Queries use ORDER BY seq, id COLLATE BINARY for stable results
//   - Ids are UUIDv7 unless a generator is injected
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
