package connectivity

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/testutil"
)

func recv(t *testing.T, ch <-chan Transition) Transition {
	t.Helper()
	select {
	case tr, ok := <-ch:
		require.True(t, ok, "channel closed")
		return tr
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transition")
		return Transition{}
	}
}

func assertNoTransition(t *testing.T, ch <-chan Transition) {
	t.Helper()
	select {
	case tr := <-ch:
		t.Fatalf("unexpected transition %s -> %s", tr.From, tr.To)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCheck_FirstObservationApplies(t *testing.T) {
	prober := testutil.NewFakeProber(true)
	m := New(prober, WithThreshold(3))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.Subscribe(ctx)

	assert.Equal(t, Unknown, m.State())
	assert.Equal(t, Online, m.Check(ctx))

	tr := recv(t, events)
	assert.Equal(t, Unknown, tr.From)
	assert.Equal(t, Online, tr.To)
	assert.Equal(t, "probe", tr.Source)
}

func TestCheck_SuppressesDuplicates(t *testing.T) {
	prober := testutil.NewFakeProber(true)
	m := New(prober)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.Subscribe(ctx)

	m.Check(ctx)
	recv(t, events)

	m.Check(ctx)
	m.Check(ctx)
	assertNoTransition(t, events)
}

func TestCheck_Threshold(t *testing.T) {
	prober := testutil.NewFakeProber(true)
	m := New(prober, WithThreshold(2))
	ctx := context.Background()

	m.Check(ctx)
	require.Equal(t, Online, m.State())

	prober.SetOnline(false)
	assert.Equal(t, Online, m.Check(ctx), "one failure is not enough")
	assert.Equal(t, Offline, m.Check(ctx))

	prober.SetOnline(true)
	assert.Equal(t, Offline, m.Check(ctx))
	prober.SetOnline(false)
	assert.Equal(t, Offline, m.Check(ctx), "streak reset by flapping")
}

func TestReport_BypassesThreshold(t *testing.T) {
	m := New(nil, WithThreshold(5), WithInitialState(Offline))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.Subscribe(ctx)

	m.Report(Online)
	tr := recv(t, events)
	assert.Equal(t, Offline, tr.From)
	assert.Equal(t, Online, tr.To)
	assert.Equal(t, "report", tr.Source)

	m.Report(Online)
	assertNoTransition(t, events)
}

func TestRun_DetectsTransitions(t *testing.T) {
	prober := testutil.NewFakeProber(false)
	m := New(prober, WithInterval(5*time.Millisecond), WithTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.Subscribe(ctx)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Equal(t, Offline, recv(t, events).To)

	prober.SetOnline(true)
	assert.Equal(t, Online, recv(t, events).To)

	prober.SetOnline(false)
	assert.Equal(t, Offline, recv(t, events).To)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestEvents_RestartableSequence(t *testing.T) {
	m := New(nil, WithInitialState(Offline))
	ctx := context.Background()

	collect := func(n int) []State {
		got := make(chan []State, 1)
		go func() {
			var states []State
			for tr := range m.Events(ctx) {
				states = append(states, tr.To)
				if len(states) == n {
					break
				}
			}
			got <- states
		}()

		require.Eventually(t, func() bool { return m.transitions.Subscribers() > 0 }, time.Second, time.Millisecond)
		m.Report(Online)
		m.Report(Offline)
		return <-got
	}

	assert.Equal(t, []State{Online, Offline}, collect(2))
	require.Eventually(t, func() bool { return m.transitions.Subscribers() == 0 }, time.Second, time.Millisecond,
		"breaking out of the loop releases the subscription")

	assert.Equal(t, []State{Online}, collect(1))
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	p := HTTPProber{URL: srv.URL}
	assert.NoError(t, p.Probe(context.Background()), "any response means reachable")

	srv.Close()
	assert.Error(t, p.Probe(context.Background()))
}

func TestDialProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := DialProber{Address: addr}
	assert.NoError(t, p.Probe(context.Background()))

	ln.Close()
	assert.Error(t, p.Probe(context.Background()))
}
