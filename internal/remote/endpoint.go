// Package remote defines the abstraction over the authoritative remote
// system and an HTTP implementation of it.
//
// The engine only sees Endpoint and the error kinds below; transport,
// credentials and payload encoding stay behind the interface.
package remote

import (
	"context"
	"encoding/json"

	"github.com/roach88/offsync/internal/model"
)

// Request is one delivery attempt of a queued action.
type Request struct {
	Kind    model.OperationKind
	Target  model.Target
	Payload json.RawMessage

	// IdempotencyToken is the action id. It is identical on every attempt so
	// the remote side can drop duplicates.
	IdempotencyToken string
}

// Result is a successful delivery. State is nil when the remote returned
// nothing worth caching.
type Result struct {
	State *model.AuthoritativeState
}

// Endpoint executes actions against the remote system.
//
// Implementations return *Error for classified failures. Any other error is
// treated as a retryable network failure.
type Endpoint interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, req Request) (Result, error)

// Execute calls f(ctx, req).
func (f EndpointFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
