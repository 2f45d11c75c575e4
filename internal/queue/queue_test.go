package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

func createTestQueue(t *testing.T, opts ...Option) (*Queue, *testutil.FakeClock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewFakeClock(time.Time{})
	opts = append([]Option{WithClock(clock), WithIDGenerator(NewSequenceGenerator("act"))}, opts...)
	q := New(st, opts...)
	t.Cleanup(q.Close)
	return q, clock, path
}

func update(id, key string) model.QueuedAction {
	return model.QueuedAction{
		ID:   id,
		Kind: model.Update(),
		Payload: model.Payload{
			Target: model.Target{Method: "PUT", Path: "/records/" + key, CacheKey: key},
			Body:   []byte(`{"v":1}`),
		},
	}
}

func ids(actions []model.QueuedAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ID
	}
	return out
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "rejected" }
func (permanentErr) Retryable() bool { return false }

func TestEnqueue_PersistsPending(t *testing.T) {
	q, clock, _ := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, update("a1", "r1"))
	require.NoError(t, err)
	assert.Equal(t, "a1", id)

	a, err := q.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, a.Status)
	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, "r1", a.Scope)
	assert.Equal(t, 0, a.Attempts)
	assert.True(t, a.EnqueuedAt.Equal(clock.Now()))
	assert.JSONEq(t, `{"v":1}`, string(a.Payload.Body))
}

func TestEnqueue_GeneratesID(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	a := update("", "r1")
	id1, err := q.Enqueue(ctx, a)
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, a)
	require.NoError(t, err)

	assert.Equal(t, "act-1", id1)
	assert.Equal(t, "act-2", id2)
}

func TestEnqueue_UUIDv7ByDefault(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	defer st.Close()
	q := New(st)

	id, err := q.Enqueue(context.Background(), update("", "r1"))
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.Equal(t, byte('7'), id[14], "version nibble")
}

func TestEnqueue_DuplicateID(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, update("a1", "r1"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, update("a1", "r2"))
	require.ErrorIs(t, err, ErrDuplicateID)

	all, err := q.List(ctx, store.ActionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "r1", all[0].Scope, "original action untouched")
}

func TestEnqueue_InvalidKind(t *testing.T) {
	q, _, _ := createTestQueue(t)

	a := update("a1", "r1")
	a.Kind = model.OperationKind{}
	_, err := q.Enqueue(context.Background(), a)
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestEnqueue_ScopeDefaults(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, update("a1", "r1"))
	require.NoError(t, err)

	noKey := update("a2", "")
	noKey.Payload.Target.CacheKey = ""
	_, err = q.Enqueue(ctx, noKey)
	require.NoError(t, err)

	explicit := update("a3", "r1")
	explicit.Scope = "batch"
	_, err = q.Enqueue(ctx, explicit)
	require.NoError(t, err)

	a1, _ := q.Get(ctx, "a1")
	a2, _ := q.Get(ctx, "a2")
	a3, _ := q.Get(ctx, "a3")
	assert.Equal(t, "r1", a1.Scope)
	assert.Equal(t, "a2", a2.Scope)
	assert.Equal(t, "batch", a3.Scope)
}

func TestPeekReady_FIFOBySeq(t *testing.T) {
	q, clock, _ := createTestQueue(t)
	ctx := context.Background()

	// Wall clock going backwards must not reorder anything.
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := q.Enqueue(ctx, update(id, "r1"))
		require.NoError(t, err)
		clock.Advance(-time.Minute)
	}

	ready, err := q.PeekReady(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "a3"}, ids(ready))
}

func TestPeekReady_StopsAtInFlight(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	for _, a := range []model.QueuedAction{update("a1", "r1"), update("a2", "r1"), update("b1", "r2")} {
		_, err := q.Enqueue(ctx, a)
		require.NoError(t, err)
	}
	_, err := q.MarkInFlight(ctx, "a1")
	require.NoError(t, err)

	ready, err := q.PeekReady(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids(ready))
}

func TestPeekReady_BackoffBlocksScope(t *testing.T) {
	q, clock, _ := createTestQueue(t)
	ctx := context.Background()

	for _, a := range []model.QueuedAction{update("a1", "r1"), update("a2", "r1"), update("b1", "r2")} {
		_, err := q.Enqueue(ctx, a)
		require.NoError(t, err)
	}
	_, err := q.MarkInFlight(ctx, "a1")
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, "a1", errors.New("timeout"), clock.Now().Add(time.Minute))
	require.NoError(t, err)

	ready, err := q.PeekReady(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids(ready), "a2 must not overtake a1")

	clock.Advance(time.Minute)
	ready, err = q.PeekReady(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids(ready))
}

func TestPeekReady_TerminalFailureBlocksUntilAcknowledged(t *testing.T) {
	q, clock, _ := createTestQueue(t)
	ctx := context.Background()

	for _, a := range []model.QueuedAction{update("a1", "r1"), update("a2", "r1")} {
		_, err := q.Enqueue(ctx, a)
		require.NoError(t, err)
	}
	_, err := q.MarkInFlight(ctx, "a1")
	require.NoError(t, err)
	failed, err := q.MarkFailed(ctx, "a1", permanentErr{}, clock.Now())
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, failed.Status)

	ready, err := q.PeekReady(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, q.Acknowledge(ctx, "a1"))

	ready, err = q.PeekReady(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, ids(ready))

	_, err = q.Get(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPeekReady_SyncedDoesNotBlock(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	for _, a := range []model.QueuedAction{update("a1", "r1"), update("a2", "r1")} {
		_, err := q.Enqueue(ctx, a)
		require.NoError(t, err)
	}
	_, err := q.MarkInFlight(ctx, "a1")
	require.NoError(t, err)
	_, err = q.MarkSynced(ctx, "a1")
	require.NoError(t, err)

	ready, err := q.PeekReady(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, ids(ready))
}

func TestMarkFailed_RetryCeiling(t *testing.T) {
	q, clock, _ := createTestQueue(t, WithMaxAttempts(3))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, update("a1", "r1"))
	require.NoError(t, err)

	cause := errors.New("connection reset")
	for attempt := 1; attempt <= 3; attempt++ {
		_, err := q.MarkInFlight(ctx, "a1")
		require.NoError(t, err)
		a, err := q.MarkFailed(ctx, "a1", cause, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, attempt, a.Attempts)
		assert.Equal(t, "connection reset", a.LastError)
		if attempt < 3 {
			assert.Equal(t, model.StatusPending, a.Status, "attempt %d", attempt)
		} else {
			assert.Equal(t, model.StatusFailed, a.Status)
		}
	}
}

func TestMarkFailed_NonRetryableIsTerminal(t *testing.T) {
	q, clock, _ := createTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, update("a1", "r1"))
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "a1")
	require.NoError(t, err)

	a, err := q.MarkFailed(ctx, "a1", permanentErr{}, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, a.Status)
	assert.Equal(t, 1, a.Attempts)
}

func TestTransitions_Invalid(t *testing.T) {
	q, clock, _ := createTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, update("a1", "r1"))
	require.NoError(t, err)

	_, err = q.MarkSynced(ctx, "a1")
	assert.True(t, IsTransitionError(err), "pending -> synced")

	_, err = q.MarkFailed(ctx, "a1", errors.New("x"), clock.Now())
	assert.True(t, IsTransitionError(err), "pending -> failed")

	_, err = q.Requeue(ctx, "a1")
	assert.True(t, IsTransitionError(err), "requeue pending")

	err = q.Acknowledge(ctx, "a1")
	assert.True(t, IsTransitionError(err), "acknowledge pending")

	_, err = q.MarkInFlight(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	a, err := q.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, a.Status, "failed transitions change nothing")
}

func TestRequeue_ResetsAttempts(t *testing.T) {
	q, clock, _ := createTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, update("a1", "r1"))
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "a1")
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, "a1", permanentErr{}, clock.Now())
	require.NoError(t, err)

	a, err := q.Requeue(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, a.Status)
	assert.Zero(t, a.Attempts)
	assert.Empty(t, a.LastError)
	assert.Equal(t, int64(1), a.Seq, "keeps its place in line")
}

func TestRelease_DoesNotCountAttempt(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, update("a1", "r1"))
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "a1")
	require.NoError(t, err)

	a, err := q.Release(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, a.Status)
	assert.Zero(t, a.Attempts)
}

func TestRecover_AfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.db")
	ctx := context.Background()

	st, err := store.Open(path)
	require.NoError(t, err)
	q := New(st)
	for _, a := range []model.QueuedAction{update("a1", "r1"), update("a2", "r1"), update("b1", "r2")} {
		_, err := q.Enqueue(ctx, a)
		require.NoError(t, err)
	}
	_, err = q.MarkInFlight(ctx, "a1")
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "b1")
	require.NoError(t, err)
	_, err = q.MarkSynced(ctx, "b1")
	require.NoError(t, err)

	// Simulated crash: drop the process state, keep the file.
	require.NoError(t, st.Close())

	st, err = store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	q = New(st)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StatusPending])
	assert.Equal(t, 1, counts[model.StatusSynced])
	assert.Equal(t, 0, counts[model.StatusInFlight])

	ready, err := q.PeekReady(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids(ready))
}

func TestDrainSynced_Retention(t *testing.T) {
	q, clock, _ := createTestQueue(t, WithRetention(time.Hour))
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := q.Enqueue(ctx, update(id, id))
		require.NoError(t, err)
	}
	deliver := func(id string) {
		_, err := q.MarkInFlight(ctx, id)
		require.NoError(t, err)
		_, err = q.MarkSynced(ctx, id)
		require.NoError(t, err)
	}
	deliver("a1")
	clock.Advance(30 * time.Minute)
	deliver("a2")
	clock.Advance(45 * time.Minute)

	n, err := q.DrainSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := q.List(ctx, store.ActionFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a3"}, ids(remaining))
}

func TestSubscribe_PublishesTransitions(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := q.Subscribe(ctx)

	_, err := q.Enqueue(ctx, update("a1", "r1"))
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "a1")
	require.NoError(t, err)
	_, err = q.MarkSynced(ctx, "a1")
	require.NoError(t, err)

	var got []model.Status
	for range 3 {
		select {
		case ev := <-events:
			assert.Equal(t, "a1", ev.ID)
			got = append(got, ev.Status)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for status event")
		}
	}
	assert.Equal(t, []model.Status{model.StatusPending, model.StatusInFlight, model.StatusSynced}, got)
}

func TestWatch_CurrentStateThenTransitions(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, update("a1", "r1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, update("b1", "r2"))
	require.NoError(t, err)

	stream, err := q.Watch(ctx, "a1")
	require.NoError(t, err)

	first := <-stream
	assert.Equal(t, model.StatusPending, first.Status)

	_, err = q.MarkInFlight(ctx, "b1")
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "a1")
	require.NoError(t, err)
	_, err = q.MarkSynced(ctx, "a1")
	require.NoError(t, err)

	var got []model.Status
	for ev := range stream {
		assert.Equal(t, "a1", ev.ID)
		got = append(got, ev.Status)
	}
	assert.Equal(t, []model.Status{model.StatusInFlight, model.StatusSynced}, got)
}

func TestWatch_UnknownID(t *testing.T) {
	q, _, _ := createTestQueue(t)

	_, err := q.Watch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatch_SlowReaderStillSeesTerminalState(t *testing.T) {
	q, _, _ := createTestQueue(t, WithEventBuffer(4))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, update("a1", "r1"))
	require.NoError(t, err)

	stream, err := q.Watch(ctx, "a1")
	require.NoError(t, err)

	// Nobody reads while unrelated traffic overflows the subscription.
	_, err = q.MarkInFlight(ctx, "a1")
	require.NoError(t, err)
	for i := range 100 {
		_, err := q.Enqueue(ctx, update(fmt.Sprintf("x%03d", i), fmt.Sprintf("other-%d", i)))
		require.NoError(t, err)
	}
	_, err = q.MarkSynced(ctx, "a1")
	require.NoError(t, err)

	var got []model.Status
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-stream:
			if !ok {
				done = true
				continue
			}
			assert.Equal(t, "a1", ev.ID)
			got = append(got, ev.Status)
		case <-timeout:
			t.Fatalf("stream did not close, got %v", got)
		}
	}
	require.NotEmpty(t, got)
	assert.Equal(t, model.StatusPending, got[0])
	assert.Equal(t, model.StatusSynced, got[len(got)-1])
}

func TestNextRetry(t *testing.T) {
	q, clock, _ := createTestQueue(t)
	ctx := context.Background()

	_, ok, err := q.NextRetry(ctx, clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	for _, a := range []model.QueuedAction{update("a1", "r1"), update("b1", "r2")} {
		_, err := q.Enqueue(ctx, a)
		require.NoError(t, err)
	}
	for id, d := range map[string]time.Duration{"a1": time.Minute, "b1": 10 * time.Second} {
		_, err := q.MarkInFlight(ctx, id)
		require.NoError(t, err)
		_, err = q.MarkFailed(ctx, id, errors.New("timeout"), clock.Now().Add(d))
		require.NoError(t, err)
	}

	at, ok, err := q.NextRetry(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(clock.Now().Add(10*time.Second)), "got %s", at)

	clock.Advance(10 * time.Second)
	at, ok, err = q.NextRetry(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(clock.Now().Add(50*time.Second)), "got %s", at)

	clock.Advance(time.Minute)
	_, ok, err = q.NextRetry(ctx, clock.Now())
	require.NoError(t, err)
	assert.False(t, ok, "due actions are left to the next pass")
}

func TestEnqueue_ConcurrentProducers(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_, err := q.Enqueue(ctx, update("", "scope"))
				assert.NoError(t, err, "worker %d", w)
			}
		}()
	}
	wg.Wait()

	all, err := q.List(ctx, store.ActionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 40)
	for i, a := range all {
		assert.Equal(t, int64(i+1), a.Seq)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(permanentErr{}))
	assert.False(t, IsRetryable(errors.Join(errors.New("ctx"), permanentErr{})))
}
