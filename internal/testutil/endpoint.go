package testutil

import (
	"context"
	"sync"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
)

// Step scripts one call of a FakeEndpoint for a given token.
type Step struct {
	// Err is returned instead of applying the action.
	Err error

	// ApplyThenErr applies the action and then returns Err, simulating a
	// delivery whose acknowledgement was lost.
	ApplyThenErr bool
}

// Delivery is one recorded Execute call.
type Delivery struct {
	Token     string
	Kind      string
	Path      string
	Applied   bool
	Duplicate bool
	Err       string
}

// FakeEndpoint is an in-memory remote that de-duplicates by idempotency
// token: a token that was applied once is never applied again, and later
// calls return the first result.
//
// Create and Update store the payload under Target.Path; Delete removes it
// and reports a gone conflict when the path does not exist.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeEndpoint struct {
	mu         sync.Mutex
	resources  map[string][]byte
	applied    map[string]remote.Result
	script     map[string][]Step
	blocked    map[string]chan struct{}
	offline    bool
	deliveries []Delivery
	started    chan string
}

// NewFakeEndpoint creates an empty, reachable fake remote.
func NewFakeEndpoint() *FakeEndpoint {
	return &FakeEndpoint{
		resources: make(map[string][]byte),
		applied:   make(map[string]remote.Result),
		script:    make(map[string][]Step),
		blocked:   make(map[string]chan struct{}),
		started:   make(chan string, 64),
	}
}

// Script queues steps for token; each call consumes one. Calls beyond the
// script behave normally.
func (f *FakeEndpoint) Script(token string, steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[token] = append(f.script[token], steps...)
}

// Fail scripts token to fail with errs on its next calls.
func (f *FakeEndpoint) Fail(token string, errs ...error) {
	steps := make([]Step, len(errs))
	for i, err := range errs {
		steps[i] = Step{Err: err}
	}
	f.Script(token, steps...)
}

// Block makes calls for token wait until the returned release function is
// called or the call's context ends.
func (f *FakeEndpoint) Block(token string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.blocked[token] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.blocked, token)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Started receives the token of every call as it begins.
func (f *FakeEndpoint) Started() <-chan string {
	return f.started
}

// SetOffline makes every call fail with a network error.
func (f *FakeEndpoint) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// Seed stores a resource as if it already existed remotely.
func (f *FakeEndpoint) Seed(path string, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[path] = value
}

// Resource returns the stored value of path.
func (f *FakeEndpoint) Resource(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.resources[path]
	return v, ok
}

// Deliveries returns a copy of the call log.
func (f *FakeEndpoint) Deliveries() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.deliveries...)
}

// Applied returns how many distinct tokens were applied.
func (f *FakeEndpoint) Applied() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// Execute implements remote.Endpoint.
func (f *FakeEndpoint) Execute(ctx context.Context, req remote.Request) (remote.Result, error) {
	select {
	case f.started <- req.IdempotencyToken:
	default:
	}

	f.mu.Lock()
	gate := f.blocked[req.IdempotencyToken]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.record(req, Delivery{Err: ctx.Err().Error()})
			return remote.Result{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d := Delivery{
		Token: req.IdempotencyToken,
		Kind:  req.Kind.String(),
		Path:  req.Target.Path,
	}

	if f.offline {
		err := remote.NetworkError(ErrUnreachable)
		d.Err = err.Error()
		f.deliveries = append(f.deliveries, d)
		return remote.Result{}, err
	}

	var step Step
	if steps := f.script[req.IdempotencyToken]; len(steps) > 0 {
		step = steps[0]
		f.script[req.IdempotencyToken] = steps[1:]
	}

	if step.Err != nil && !step.ApplyThenErr {
		d.Err = step.Err.Error()
		f.deliveries = append(f.deliveries, d)
		return remote.Result{}, step.Err
	}

	res, dup := f.applied[req.IdempotencyToken]
	if dup {
		d.Duplicate = true
	} else {
		var err error
		res, err = f.apply(req)
		if err != nil {
			d.Err = err.Error()
			f.deliveries = append(f.deliveries, d)
			return remote.Result{}, err
		}
		f.applied[req.IdempotencyToken] = res
		d.Applied = true
	}

	if step.ApplyThenErr {
		d.Err = step.Err.Error()
		f.deliveries = append(f.deliveries, d)
		return remote.Result{}, step.Err
	}

	f.deliveries = append(f.deliveries, d)
	return res, nil
}

func (f *FakeEndpoint) apply(req remote.Request) (remote.Result, error) {
	path := req.Target.Path
	switch req.Kind.Tag() {
	case model.KindDelete:
		if _, ok := f.resources[path]; !ok {
			return remote.Result{}, &remote.Error{Kind: remote.KindConflict, Detail: "not found", Gone: true}
		}
		delete(f.resources, path)
		return remote.Result{State: &model.AuthoritativeState{Deleted: true}}, nil

	case model.KindUpdate:
		if _, ok := f.resources[path]; !ok {
			return remote.Result{}, &remote.Error{Kind: remote.KindConflict, Detail: "not found", Gone: true}
		}
	}

	value := append([]byte(nil), req.Payload...)
	f.resources[path] = value
	return remote.Result{State: &model.AuthoritativeState{Value: value}}, nil
}

func (f *FakeEndpoint) record(req remote.Request, d Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.Token = req.IdempotencyToken
	d.Kind = req.Kind.String()
	d.Path = req.Target.Path
	f.deliveries = append(f.deliveries, d)
}
