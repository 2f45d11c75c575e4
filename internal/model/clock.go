package model

import "time"

// Clock supplies wall-clock time for TTLs, recency decay and backoff.
//
// Wall time never orders queued actions; see QueuedAction.Seq.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }
