package queue

import (
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

var (
	// ErrDuplicateID is returned by Enqueue when the id is already present.
	ErrDuplicateID = errors.New("duplicate action id")

	// ErrNotFound is returned for unknown action ids.
	ErrNotFound = store.ErrNotFound

	// ErrInvalidAction is returned by Enqueue for an action it cannot accept.
	ErrInvalidAction = errors.New("invalid action")
)

// TransitionError reports a status change the queue does not allow.
type TransitionError struct {
	ID   string
	From model.Status
	To   model.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("action %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// IsTransitionError returns true if err is a TransitionError.
// Uses errors.As to handle wrapped errors.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// retryable is implemented by errors that know whether a retry can help.
// remote.Error implements it.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether a delivery failure should be retried.
// Errors that do not say otherwise are treated as transient.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
