package engine

import (
	"sync/atomic"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// PassState is the engine's position in the pass state machine.
//
//	Idle → Draining → {Completed, Failed} → Idle
type PassState string

const (
	Idle      PassState = "idle"
	Draining  PassState = "draining"
	Completed PassState = "completed"
	Failed    PassState = "failed"
)

// Session is the ephemeral record of one pass.
type Session struct {
	// ID is unique per pass; Seq orders passes within one engine instance.
	ID  string `json:"id"`
	Seq int64  `json:"seq"`

	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// Snapshot holds the ids PeekReady returned when the pass began.
	Snapshot []string `json:"snapshot"`
}

// Outcome summarizes a finished pass.
type Outcome struct {
	Session Session   `json:"session"`
	State   PassState `json:"state"`

	// Delivered counts endpoint calls that returned, whatever the result.
	Delivered int `json:"delivered"`
	Synced    int `json:"synced"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`

	// Skipped counts snapshot actions behind a blocked scope head.
	Skipped int `json:"skipped"`

	Err error `json:"-"`
}

// Conflict is published when the remote state diverged from an action.
// The caller decides whether to discard, merge or requeue a corrected action.
type Conflict struct {
	Action      model.QueuedAction        `json:"action"`
	RemoteState *model.AuthoritativeState `json:"remote_state,omitempty"`
	Detail      string                    `json:"detail"`
	At          time.Time                 `json:"at"`
}

// Failure is published when an action ends terminally failed for a reason
// other than a conflict.
type Failure struct {
	Action model.QueuedAction `json:"action"`
	Err    *DeliveryError     `json:"-"`
	Reason string             `json:"reason"`
	At     time.Time          `json:"at"`
}

// passCounter numbers passes with a strictly increasing sequence.
//
// Thread-safety: safe for concurrent use (atomic operations).
type passCounter struct {
	seq atomic.Int64
}

// Next returns the next sequence number and increments the counter.
func (c *passCounter) Next() int64 {
	return c.seq.Add(1)
}
