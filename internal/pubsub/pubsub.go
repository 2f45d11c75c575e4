// Package pubsub provides a small in-process broadcast broker used for
// action status, conflict and connectivity streams.
//
// Publish never blocks the publisher: each subscriber has a buffered channel
// and an event is dropped for a subscriber whose buffer is full. Subscribers
// that must not miss state use SubscribeLagged and re-read it when the lag
// channel fires (Dropped reports the total count).
package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber buffer used when New gets size <= 0.
const DefaultBuffer = 64

// Broker fans published values out to all current subscribers.
//
// Thread-safety: all methods are safe for concurrent use.
type Broker[T any] struct {
	mu      sync.Mutex
	subs    map[chan T]chan struct{}
	buffer  int
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// New creates a broker with the given per-subscriber buffer size.
func New[T any](buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker[T]{
		subs:   make(map[chan T]chan struct{}),
		buffer: buffer,
		done:   make(chan struct{}),
	}
}

// Subscribe returns a channel receiving every value published after the
// call. The channel is closed when ctx ends or the broker is closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	ch, _ := b.SubscribeLagged(ctx)
	return ch
}

// SubscribeLagged is Subscribe plus a lag channel that receives a signal
// whenever a value was dropped for this subscriber. Signals coalesce: one
// pending signal covers any number of drops.
func (b *Broker[T]) SubscribeLagged(ctx context.Context) (<-chan T, <-chan struct{}) {
	ch := make(chan T, b.buffer)
	lagged := make(chan struct{}, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, lagged
	}
	b.subs[ch] = lagged
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(ch)
		case <-b.done:
		}
	}()

	return ch, lagged
}

// Publish delivers v to every subscriber with buffer space.
func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch, lagged := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped.Add(1)
			select {
			case lagged <- struct{}{}:
			default:
			}
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broker[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Broker[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later Subscribe calls return a
// closed channel and Publish becomes a no-op.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Broker[T]) unsubscribe(ch chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[ch]; !ok {
		return // Already closed by Close
	}
	delete(b.subs, ch)
	close(ch)
}
