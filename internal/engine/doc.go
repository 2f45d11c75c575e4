// Package engine implements the sync engine that drains the action queue
// against the remote endpoint.
//
// ARCHITECTURE:
//
// Single Worker:
// Run owns every pass. Triggers (connectivity coming back, Trigger calls,
// the optional periodic ticker) only wake the worker; a burst of triggers
// collapses into one wakeup. After every pass Run also arms a retry timer at
// the earliest backoff deadline among pending actions, so a failed delivery
// is retried even when nothing else wakes the worker. SyncNow runs a pass on the caller's goroutine
// and shares the same exclusivity guard, so at most one pass is Draining.
//
// Pass Flow:
//  1. Snapshot PeekReady into the session. Actions enqueued later wait for
//     the next pass.
//  2. For each snapshot action: mark in flight, call the endpoint with the
//     action id as idempotency token, bounded by the per-action timeout.
//  3. Success: write authoritative state through to the cache, mark synced.
//  4. Retryable failure: mark failed with a backoff deadline; the queue
//     reverts it to pending until the retry ceiling is reached.
//  5. Conflict or rejection: terminal failure, published on the Conflicts
//     or Failures stream. The engine never merges.
//  6. A scope whose head did not sync is skipped for the rest of the pass;
//     other scopes continue.
//
// Cancellation:
// When the pass context ends, the action in flight is released back to
// pending without counting an attempt and the pass ends Failed.
package engine
