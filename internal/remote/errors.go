package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/roach88/offsync/internal/model"
)

// ErrorKind classifies a failed delivery.
type ErrorKind string

const (
	// KindNetwork covers transport failures and transient server errors.
	KindNetwork ErrorKind = "network"

	// KindTimeout means no answer arrived within the per-action deadline.
	KindTimeout ErrorKind = "timeout"

	// KindConflict means the remote state diverged from the action's
	// assumptions. Not retried.
	KindConflict ErrorKind = "conflict"

	// KindRejected means the remote refused the action permanently.
	KindRejected ErrorKind = "rejected"
)

// Error is a classified delivery failure.
type Error struct {
	Kind   ErrorKind
	Detail string

	// RemoteState is the server's current view, when a conflict carried one.
	RemoteState *model.AuthoritativeState

	// Gone is set on conflicts where the target no longer exists.
	Gone bool

	// StatusCode is the HTTP status, when the failure came from a response.
	StatusCode int

	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

// NetworkError wraps a transport failure.
func NetworkError(err error) *Error {
	return &Error{Kind: KindNetwork, Err: err}
}

// TimeoutError reports an attempt that ran out of time.
func TimeoutError(err error) *Error {
	return &Error{Kind: KindTimeout, Detail: "deadline exceeded", Err: err}
}

// ConflictError reports divergent remote state.
func ConflictError(detail string, state *model.AuthoritativeState) *Error {
	return &Error{Kind: KindConflict, Detail: detail, RemoteState: state}
}

// RejectedError reports a permanent refusal.
func RejectedError(detail string) *Error {
	return &Error{Kind: KindRejected, Detail: detail}
}

// Classify converts any delivery error into *Error.
//
// Deadline expiry becomes KindTimeout. Unclassified errors become
// KindNetwork. context.Canceled is returned unchanged: a cancelled attempt
// is not a delivery failure. Returns nil for nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return TimeoutError(err)
	}
	return NetworkError(err)
}

// IsConflict returns true if err is a KindConflict *Error.
func IsConflict(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindConflict
}

// IsGone returns true if err reports a target that no longer exists.
func IsGone(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Gone
}

// statusError builds the error for an unsuccessful HTTP status.
func statusError(kind model.OperationKind, code int, body string) *Error {
	detail := fmt.Sprintf("status %d", code)
	if body != "" {
		detail += ": " + body
	}

	switch {
	case code == 404 && (kind.Tag() == model.KindUpdate || kind.Tag() == model.KindDelete):
		return &Error{Kind: KindConflict, Detail: detail, Gone: true, StatusCode: code}
	case code == 409 || code == 412:
		return &Error{Kind: KindConflict, Detail: detail, StatusCode: code}
	case code == 408 || code == 429 || code >= 500:
		return &Error{Kind: KindNetwork, Detail: detail, StatusCode: code}
	default:
		return &Error{Kind: KindRejected, Detail: detail, StatusCode: code}
	}
}
