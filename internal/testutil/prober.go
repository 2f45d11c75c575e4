package testutil

import (
	"context"
	"errors"
	"sync"
)

// ErrUnreachable is returned by a FakeProber set offline.
var ErrUnreachable = errors.New("fake: unreachable")

// FakeProber reports whatever reachability the test last set.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeProber struct {
	mu     sync.Mutex
	online bool
	calls  int
}

// NewFakeProber creates a prober that starts online or offline.
func NewFakeProber(online bool) *FakeProber {
	return &FakeProber{online: online}
}

// SetOnline changes the result of later probes.
func (p *FakeProber) SetOnline(online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = online
}

// Calls returns how many probes ran.
func (p *FakeProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Probe returns nil when online, ErrUnreachable otherwise.
func (p *FakeProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.online {
		return ErrUnreachable
	}
	return nil
}
