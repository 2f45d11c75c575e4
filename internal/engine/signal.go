package engine

import (
	"sync"
	"time"
)

// trigger wakes the Run loop.
//
// The signal channel is buffered with size 1, so any number of Fire calls
// between two wakeups coalesce into one. Close wakes the loop for good.
type trigger struct {
	mu     sync.Mutex
	closed bool
	signal chan struct{}
}

func newTrigger() *trigger {
	return &trigger{signal: make(chan struct{}, 1)}
}

// Fire requests a pass. Returns false if the trigger has been closed.
// Thread-safe: may be called from any goroutine.
func (t *trigger) Fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	// Non-blocking: a pending signal already covers this request
	select {
	case t.signal <- struct{}{}:
	default:
	}
	return true
}

// Wait returns the channel that receives a value per coalesced request and
// is closed by Close.
func (t *trigger) Wait() <-chan struct{} {
	return t.signal
}

// Close stops the trigger. Later Fire calls return false.
func (t *trigger) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	close(t.signal)
}

// retryTimer wraps a time.Timer whose channel is nil while disarmed, so the
// Run loop can select on it unconditionally.
type retryTimer struct {
	t     *time.Timer
	armed bool
}

func newRetryTimer() *retryTimer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &retryTimer{t: t}
}

// C returns the timer channel, or nil while disarmed.
func (r *retryTimer) C() <-chan time.Time {
	if !r.armed {
		return nil
	}
	return r.t.C
}

// Reset arms the timer to fire after d.
func (r *retryTimer) Reset(d time.Duration) {
	r.t.Reset(d)
	r.armed = true
}

// Stop disarms the timer.
func (r *retryTimer) Stop() {
	r.t.Stop()
	r.armed = false
}
