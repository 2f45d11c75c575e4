package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/remote"
)

var (
	// ErrPassInProgress is returned by SyncNow while another pass is draining.
	ErrPassInProgress = errors.New("sync pass already in progress")

	// ErrStopped is returned by SyncNow after Close.
	ErrStopped = errors.New("engine stopped")
)

// DeliveryError describes an action the engine gave up on.
//
// It is carried by Failure events; the queue records only its message.
type DeliveryError struct {
	// Code identifies the failure category.
	Code DeliveryErrorCode

	// ActionID identifies the affected action.
	ActionID string

	// Scope is the ordering scope the action blocks until it is handled.
	Scope string

	// Attempts made, including the last one.
	Attempts int

	// Err is the classified endpoint error.
	Err error
}

// DeliveryErrorCode categorizes terminal delivery failures.
type DeliveryErrorCode string

const (
	// ErrCodeRejected means the remote refused the action permanently.
	ErrCodeRejected DeliveryErrorCode = "REJECTED"

	// ErrCodeConflict means remote state diverged from the action.
	ErrCodeConflict DeliveryErrorCode = "CONFLICT"

	// ErrCodeRetriesExhausted means a retryable failure hit the retry ceiling.
	ErrCodeRetriesExhausted DeliveryErrorCode = "RETRIES_EXHAUSTED"
)

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: action %s (scope=%s, attempts=%d): %v", e.Code, e.ActionID, e.Scope, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsRetriesExhausted returns true if err is a retries-exhausted DeliveryError.
// Uses errors.As to handle wrapped errors.
func IsRetriesExhausted(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code == ErrCodeRetriesExhausted
	}
	return false
}

// IsRejected returns true if err is a rejected DeliveryError.
func IsRejected(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code == ErrCodeRejected
	}
	return false
}

func deliveryCode(err error) DeliveryErrorCode {
	var re *remote.Error
	if errors.As(err, &re) {
		switch re.Kind {
		case remote.KindConflict:
			return ErrCodeConflict
		case remote.KindRejected:
			return ErrCodeRejected
		}
	}
	return ErrCodeRetriesExhausted
}
