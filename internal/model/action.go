package model

import (
	"encoding/json"
	"time"
)

// Status is the delivery state of a queued action.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends an action's delivery: synced or failed.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusFailed
}

// Target describes where an action is delivered.
//
// Method and Path are hints for the endpoint adapter; CacheKey names the
// cache entry the action affects so authoritative results can be written back.
type Target struct {
	Method   string `json:"method,omitempty"`
	Path     string `json:"path,omitempty"`
	CacheKey string `json:"cache_key,omitempty"`
}

// Payload is the opaque body of an action plus its target.
type Payload struct {
	Target Target          `json:"target"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// QueuedAction is a pending mutation awaiting delivery to the remote system.
type QueuedAction struct {
	// ID is the idempotency token sent with every delivery attempt.
	ID string `json:"id"`

	// Seq is the logical enqueue position. FIFO order uses Seq only.
	Seq int64 `json:"seq"`

	// Scope is the ordering partition. Actions sharing a scope are delivered
	// one at a time in Seq order.
	Scope string `json:"scope"`

	Kind    OperationKind `json:"kind"`
	Payload Payload       `json:"payload"`
	Status  Status        `json:"status"`

	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`

	EnqueuedAt    time.Time `json:"enqueued_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`

	// NextAttemptAt is the earliest time a retried action may be delivered.
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
	SyncedAt      time.Time `json:"synced_at,omitzero"`
}

// Terminal reports whether the action will not be delivered again without
// caller intervention.
func (a QueuedAction) Terminal() bool {
	return a.Status.Terminal()
}

// Eligible reports whether a pending action's backoff has elapsed at now.
func (a QueuedAction) Eligible(now time.Time) bool {
	return a.Status == StatusPending && !now.Before(a.NextAttemptAt)
}

// StatusEvent reports one status transition of a queued action.
type StatusEvent struct {
	ID       string    `json:"id"`
	Scope    string    `json:"scope"`
	Status   Status    `json:"status"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// EventFor builds the StatusEvent describing a's current state.
func EventFor(a QueuedAction, at time.Time) StatusEvent {
	return StatusEvent{
		ID:       a.ID,
		Scope:    a.Scope,
		Status:   a.Status,
		Attempts: a.Attempts,
		Error:    a.LastError,
		At:       at,
	}
}

// AuthoritativeState is the server's view of a resource after an action
// applied. The engine writes it through to the cache.
type AuthoritativeState struct {
	// Key overrides the action's Target.CacheKey when set.
	Key string `json:"key,omitempty"`

	Value []byte `json:"value,omitempty"`

	// Deleted means the resource no longer exists and the cache entry must go.
	Deleted bool `json:"deleted,omitempty"`

	// TTL of the written cache entry; zero uses the cache default.
	TTL time.Duration `json:"ttl,omitempty"`
}
