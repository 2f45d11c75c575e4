// Package queue implements the durable, FIFO-per-scope action queue.
//
// Every action is persisted before Enqueue returns. Status changes are
// written in one store transaction each and then published to subscribers,
// so a crash between two calls leaves each action in exactly one status.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/pubsub"
	"github.com/roach88/offsync/internal/store"
)

const (
	// DefaultMaxAttempts is the retry ceiling used when none is configured.
	DefaultMaxAttempts = 5

	// DefaultRetention is how long synced actions are kept before DrainSynced
	// discards them.
	DefaultRetention = 24 * time.Hour
)

// Queue is the durable action log.
//
// Thread-safety: all methods are safe for concurrent use.
type Queue struct {
	store  *store.Store
	clock  model.Clock
	ids    IDGenerator
	logger *slog.Logger

	maxAttempts int
	retention   time.Duration

	events *pubsub.Broker[model.StatusEvent]
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock (tests).
func WithClock(clock model.Clock) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithIDGenerator sets the generator for actions enqueued without an id.
func WithIDGenerator(g IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMaxAttempts sets the retry ceiling. An action whose attempts reach it
// becomes terminally failed.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithRetention sets how long synced actions survive DrainSynced.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) { q.retention = d }
}

// WithEventBuffer sets the per-subscriber buffer of the status stream.
func WithEventBuffer(n int) Option {
	return func(q *Queue) { q.events = pubsub.New[model.StatusEvent](n) }
}

// New creates a queue over backing.
func New(backing *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:       backing,
		clock:       model.SystemClock{},
		ids:         UUIDv7Generator{},
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		retention:   DefaultRetention,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.events == nil {
		q.events = pubsub.New[model.StatusEvent](0)
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	return q
}

// MaxAttempts returns the configured retry ceiling.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Enqueue persists a as a new pending action and returns its id.
//
// An empty ID is replaced by a generated token. An empty Scope defaults to
// the target's cache key, or to the id when the action names no cache entry,
// which makes it independent of every other action.
// Returns ErrDuplicateID if an action with the same id exists.
func (q *Queue) Enqueue(ctx context.Context, a model.QueuedAction) (string, error) {
	if !a.Kind.Valid() {
		return "", fmt.Errorf("enqueue: %w: kind %s", ErrInvalidAction, a.Kind)
	}

	if a.ID == "" {
		a.ID = q.ids.Generate()
	}
	a.Payload.Target.CacheKey = model.NormalizeKey(a.Payload.Target.CacheKey)
	if a.Scope == "" {
		a.Scope = a.Payload.Target.CacheKey
	}
	if a.Scope == "" {
		a.Scope = a.ID
	}

	now := q.clock.Now()
	a.Status = model.StatusPending
	a.Attempts = 0
	a.LastError = ""
	a.EnqueuedAt = now
	a.LastAttemptAt = time.Time{}
	a.NextAttemptAt = time.Time{}
	a.SyncedAt = time.Time{}

	var stored model.QueuedAction
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		s, inserted, err := tx.InsertAction(a)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("action %q: %w", a.ID, ErrDuplicateID)
		}
		stored = s
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	q.logger.Debug("action enqueued",
		"id", stored.ID,
		"seq", stored.Seq,
		"scope", stored.Scope,
		"kind", stored.Kind.String(),
	)
	q.events.Publish(model.EventFor(stored, now))
	return stored.ID, nil
}

// PeekReady returns the actions that may be delivered now, oldest first.
//
// For each scope it returns the longest run of pending, retry-eligible
// actions from the head of that scope. The run stops at the first action
// that is in flight, terminally failed, or still backing off, so a later
// action never overtakes an earlier one in the same scope.
// An empty scope argument means all scopes.
func (q *Queue) PeekReady(ctx context.Context, scope string) ([]model.QueuedAction, error) {
	now := q.clock.Now()

	var open []model.QueuedAction
	err := q.store.View(ctx, func(tx *store.Tx) error {
		var err error
		open, err = tx.ListActions(store.ActionFilter{
			Statuses: []model.Status{model.StatusPending, model.StatusInFlight, model.StatusFailed},
			Scope:    scope,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("peek ready: %w", err)
	}

	ready := []model.QueuedAction{}
	blocked := make(map[string]bool)
	for _, a := range open {
		if blocked[a.Scope] {
			continue
		}
		if !a.Eligible(now) {
			blocked[a.Scope] = true
			continue
		}
		ready = append(ready, a)
	}
	return ready, nil
}

// MarkInFlight records the start of a delivery attempt.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (model.QueuedAction, error) {
	return q.transition(ctx, id, "mark in flight", func(a *model.QueuedAction, now time.Time) error {
		if a.Status != model.StatusPending {
			return &TransitionError{ID: a.ID, From: a.Status, To: model.StatusInFlight}
		}
		a.Status = model.StatusInFlight
		a.LastAttemptAt = now
		return nil
	})
}

// MarkSynced records a successful delivery.
func (q *Queue) MarkSynced(ctx context.Context, id string) (model.QueuedAction, error) {
	return q.transition(ctx, id, "mark synced", func(a *model.QueuedAction, now time.Time) error {
		if a.Status != model.StatusInFlight {
			return &TransitionError{ID: a.ID, From: a.Status, To: model.StatusSynced}
		}
		a.Status = model.StatusSynced
		a.LastError = ""
		a.NextAttemptAt = time.Time{}
		a.SyncedAt = now
		return nil
	})
}

// MarkFailed records a failed delivery attempt.
//
// Attempts is incremented. A retryable cause under the retry ceiling reverts
// the action to pending, eligible again at retryAt; anything else leaves it
// terminally failed until Requeue or Acknowledge. The returned action tells
// the caller which happened.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, retryAt time.Time) (model.QueuedAction, error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	return q.transition(ctx, id, "mark failed", func(a *model.QueuedAction, now time.Time) error {
		if a.Status != model.StatusInFlight {
			return &TransitionError{ID: a.ID, From: a.Status, To: model.StatusFailed}
		}
		a.Attempts++
		a.LastError = cause.Error()
		if IsRetryable(cause) && a.Attempts < q.maxAttempts {
			a.Status = model.StatusPending
			a.NextAttemptAt = retryAt
			return nil
		}
		a.Status = model.StatusFailed
		a.NextAttemptAt = time.Time{}
		return nil
	})
}

// Release returns an in-flight action to pending without counting an
// attempt. Used when a delivery is abandoned because the pass was cancelled.
func (q *Queue) Release(ctx context.Context, id string) (model.QueuedAction, error) {
	return q.transition(ctx, id, "release", func(a *model.QueuedAction, _ time.Time) error {
		if a.Status != model.StatusInFlight {
			return &TransitionError{ID: a.ID, From: a.Status, To: model.StatusPending}
		}
		a.Status = model.StatusPending
		return nil
	})
}

// Requeue resets a terminally failed action to pending with a fresh attempt
// budget.
func (q *Queue) Requeue(ctx context.Context, id string) (model.QueuedAction, error) {
	return q.transition(ctx, id, "requeue", func(a *model.QueuedAction, _ time.Time) error {
		if a.Status != model.StatusFailed {
			return &TransitionError{ID: a.ID, From: a.Status, To: model.StatusPending}
		}
		a.Status = model.StatusPending
		a.Attempts = 0
		a.LastError = ""
		a.NextAttemptAt = time.Time{}
		return nil
	})
}

// Acknowledge removes a terminally failed action the caller has dealt with,
// unblocking the rest of its scope.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		a, err := tx.GetAction(id)
		if err != nil {
			return err
		}
		if a.Status != model.StatusFailed {
			return &TransitionError{ID: a.ID, From: a.Status, To: "acknowledged"}
		}
		_, err = tx.DeleteAction(id)
		return err
	})
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}

	q.logger.Info("failed action acknowledged", "id", id)
	return nil
}

// Recover reverts every in-flight action to pending. Call it once at
// startup: an action left in flight by a crash was never confirmed and must
// be delivered again under the same idempotency token.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	now := q.clock.Now()

	var recovered []model.QueuedAction
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		recovered = nil

		inFlight, err := tx.ListActions(store.ActionFilter{
			Statuses: []model.Status{model.StatusInFlight},
		})
		if err != nil {
			return err
		}
		for _, a := range inFlight {
			a.Status = model.StatusPending
			if err := tx.UpdateAction(a); err != nil {
				return err
			}
			recovered = append(recovered, a)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	for _, a := range recovered {
		q.logger.Warn("recovered in-flight action", "id", a.ID, "scope", a.Scope, "attempts", a.Attempts)
		q.events.Publish(model.EventFor(a, now))
	}
	return len(recovered), nil
}

// DrainSynced discards synced actions older than the retention window and
// returns how many were removed.
func (q *Queue) DrainSynced(ctx context.Context) (int, error) {
	cutoff := q.clock.Now().Add(-q.retention)

	var n int64
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.DeleteSyncedBefore(cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("drain synced: %w", err)
	}

	if n > 0 {
		q.logger.Debug("synced actions compacted", "count", n)
	}
	return int(n), nil
}

// Get returns the action with the given id. Returns ErrNotFound if absent.
func (q *Queue) Get(ctx context.Context, id string) (model.QueuedAction, error) {
	var a model.QueuedAction
	err := q.store.View(ctx, func(tx *store.Tx) error {
		var err error
		a, err = tx.GetAction(id)
		return err
	})
	if err != nil {
		return model.QueuedAction{}, fmt.Errorf("get action: %w", err)
	}
	return a, nil
}

// List returns actions matching f in seq order.
func (q *Queue) List(ctx context.Context, f store.ActionFilter) ([]model.QueuedAction, error) {
	var actions []model.QueuedAction
	err := q.store.View(ctx, func(tx *store.Tx) error {
		var err error
		actions, err = tx.ListActions(f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return actions, nil
}

// Counts returns the number of actions in each status.
func (q *Queue) Counts(ctx context.Context) (map[model.Status]int, error) {
	var counts map[model.Status]int
	err := q.store.View(ctx, func(tx *store.Tx) error {
		var err error
		counts, err = tx.CountActions()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("count actions: %w", err)
	}
	return counts, nil
}

// Subscribe streams every status transition published after the call.
// The channel closes when ctx ends or the queue is closed.
func (q *Queue) Subscribe(ctx context.Context) <-chan model.StatusEvent {
	return q.events.Subscribe(ctx)
}

// Watch streams the status of one action. The first event is its current
// state; the stream closes after a synced or failed event, or when ctx ends.
// If the reader falls behind and events are dropped, Watch re-reads the
// action and emits its stored state, so a terminal state is never lost.
func (q *Queue) Watch(ctx context.Context, id string) (<-chan model.StatusEvent, error) {
	ctx, cancel := context.WithCancel(ctx)

	// Subscribe before reading so no transition between the two is lost.
	sub, lagged := q.events.SubscribeLagged(ctx)

	current, err := q.Get(ctx, id)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch: %w", err)
	}

	out := make(chan model.StatusEvent, 1)
	go func() {
		defer close(out)
		defer cancel()

		last := current.Status
		emit := func(ev model.StatusEvent) bool {
			select {
			case out <- ev:
				last = ev.Status
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(model.EventFor(current, q.clock.Now())) || current.Terminal() {
			return
		}
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.ID != id {
					continue
				}
				if !emit(ev) || ev.Status.Terminal() {
					return
				}

			case <-lagged:
				a, err := q.Get(ctx, id)
				if err != nil {
					if ctx.Err() == nil {
						q.logger.Warn("watch: reload after dropped events failed", "id", id, "error", err)
					}
					return
				}
				if a.Status == last && !a.Terminal() {
					continue
				}
				if !emit(model.EventFor(a, q.clock.Now())) || a.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

// NextRetry returns the earliest retry time after the given instant among
// pending actions that are backing off. The boolean is false when none is.
func (q *Queue) NextRetry(ctx context.Context, after time.Time) (time.Time, bool, error) {
	var (
		at time.Time
		ok bool
	)
	err := q.store.View(ctx, func(tx *store.Tx) error {
		var err error
		at, ok, err = tx.NextAttemptAfter(after)
		return err
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next retry: %w", err)
	}
	return at, ok, nil
}

// Close ends all status streams.
func (q *Queue) Close() {
	q.events.Close()
}

// transition applies fn to the stored action inside one transaction and
// publishes the resulting status.
func (q *Queue) transition(
	ctx context.Context,
	id, op string,
	fn func(a *model.QueuedAction, now time.Time) error,
) (model.QueuedAction, error) {
	now := q.clock.Now()

	var updated model.QueuedAction
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		a, err := tx.GetAction(id)
		if err != nil {
			return err
		}
		if err := fn(&a, now); err != nil {
			return err
		}
		if err := tx.UpdateAction(a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return model.QueuedAction{}, fmt.Errorf("%s: %w", op, err)
	}

	q.logger.Debug("action status changed",
		"id", updated.ID,
		"status", updated.Status,
		"attempts", updated.Attempts,
	)
	q.events.Publish(model.EventFor(updated, now))
	return updated, nil
}
