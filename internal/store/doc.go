// Package store provides SQLite-backed durable storage for the offline cache
// and the pending action log.
//
// The store holds two logical tables plus one accounting row:
//   - cache_entries: key → value + access metadata
//   - cache_usage: total bytes and entry count of cache_entries
//   - queued_actions: id → action + delivery status
//
// # Critical Patterns
//
// Atomic accounting
//   - Every cache insert, overwrite and delete updates cache_usage in the
//     same transaction, so a crash observes either both or neither
//   - Open compares cache_usage with an enumeration of cache_entries and
//     rebuilds it when they disagree
//
// Logical ordering
//   - queued_actions.seq is assigned inside the insert transaction and is
//     the only ordering key; timestamps are informational
//   - All action queries use ORDER BY seq ASC
//
// Local retries
//   - Transient SQLite errors (busy, locked, I/O) are retried a small fixed
//     number of times; persistent failures surface as ErrStorageCorruption
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds (WithBusyTimeout)
//   - Single connection: SQLite has one writer; this also serializes
//     read-modify-write transactions from concurrent callers
package store
