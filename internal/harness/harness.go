package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

// Engine defaults used unless a scenario overrides them.
const (
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = time.Minute
)

var errScripted = errors.New("scripted failure")

// Harness is the state of one scenario execution.
type Harness struct {
	store    *store.Store
	queue    *queue.Queue
	cache    *cache.Store
	monitor  *connectivity.Monitor
	engine   *engine.Engine
	endpoint *testutil.FakeEndpoint
	clock    *testutil.FakeClock
	logger   *slog.Logger

	// seen is the number of endpoint deliveries already traced.
	seen int
}

// Run executes a scenario with a background context.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext executes a scenario and returns the result.
//
// Each scenario runs in a fresh database with a fake clock, sequential
// action ids and an in-memory remote, so identical scenarios produce
// identical traces. The returned error reports a broken run; failed
// expectations and assertions are recorded in Result.Errors instead.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "offsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(dir, "harness.db"), store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	h := newHarness(st, scenario.Config, logger)
	defer h.close()

	result := NewResult()

	if err := h.setup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.step(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	actions, err := h.queue.List(ctx, store.ActionFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	for _, a := range actions {
		result.Actions = append(result.Actions, ActionState{
			ID:       a.ID,
			Scope:    a.Scope,
			Status:   a.Status,
			Attempts: a.Attempts,
		})
	}

	actx := &AssertionContext{
		Ctx:      ctx,
		Queue:    h.queue,
		Cache:    h.cache,
		Endpoint: h.endpoint,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func newHarness(st *store.Store, cfg Settings, logger *slog.Logger) *Harness {
	clock := testutil.NewFakeClock(time.Time{})

	base, maxDelay := DefaultBaseBackoff, DefaultMaxBackoff
	if cfg.BaseBackoff != "" {
		base, _ = time.ParseDuration(cfg.BaseBackoff)
	}
	if cfg.MaxBackoff != "" {
		maxDelay, _ = time.ParseDuration(cfg.MaxBackoff)
	}

	qopts := []queue.Option{
		queue.WithClock(clock),
		queue.WithLogger(logger),
		queue.WithIDGenerator(queue.NewSequenceGenerator("action")),
	}
	if cfg.MaxAttempts > 0 {
		qopts = append(qopts, queue.WithMaxAttempts(cfg.MaxAttempts))
	}
	q := queue.New(st, qopts...)

	c := cache.New(st,
		cache.WithClock(clock),
		cache.WithLogger(logger),
		cache.WithMaxBytes(cfg.CacheMaxBytes),
		cache.WithMaxEntries(cfg.CacheMaxEntries),
	)

	mon := connectivity.New(nil,
		connectivity.WithClock(clock),
		connectivity.WithLogger(logger),
	)

	ep := testutil.NewFakeEndpoint()

	eng := engine.New(q, c, ep,
		engine.WithMonitor(mon),
		engine.WithClock(clock),
		engine.WithLogger(logger),
		engine.WithSessionIDs(queue.NewSequenceGenerator("pass")),
		engine.WithBackoff(base, maxDelay, 0),
	)

	return &Harness{
		store:    st,
		queue:    q,
		cache:    c,
		monitor:  mon,
		engine:   eng,
		endpoint: ep,
		clock:    clock,
		logger:   logger,
	}
}

func (h *Harness) close() {
	h.engine.Close()
	h.monitor.Close()
	h.queue.Close()
}

func (h *Harness) setup(ctx context.Context, s Setup) error {
	for _, r := range s.Remote {
		h.endpoint.Seed(r.Key, []byte(r.Value))
	}
	for _, r := range s.Cache {
		if err := h.cache.Put(ctx, r.Key, []byte(r.Value), parseTTL(r.TTL)); err != nil {
			return fmt.Errorf("seed cache %q: %w", r.Key, err)
		}
	}
	return nil
}

// step executes one instruction. validateScenario guarantees exactly one
// field is set.
func (h *Harness) step(ctx context.Context, i int, s Step, result *Result) error {
	switch {
	case s.Enqueue != nil:
		return h.enqueue(ctx, *s.Enqueue, result)

	case s.Script != nil:
		steps := make([]testutil.Step, len(s.Script.Outcomes))
		for j, o := range s.Script.Outcomes {
			steps[j] = scriptedStep(o)
		}
		h.endpoint.Script(s.Script.ID, steps...)
		return nil

	case s.Connectivity != "":
		state := connectivity.Online
		if s.Connectivity == "offline" {
			state = connectivity.Offline
		}
		h.endpoint.SetOffline(state == connectivity.Offline)
		h.monitor.Report(state)
		result.add(TraceEvent{Type: EventConnectivity, Outcome: string(state)})
		return nil

	case s.Sync != nil:
		return h.sync(ctx, i, s.Sync, result)

	case s.Advance != "":
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		result.add(TraceEvent{Type: EventAdvance, Detail: d.String()})
		return nil

	case s.Requeue != "":
		if _, err := h.queue.Requeue(ctx, s.Requeue); err != nil {
			result.add(TraceEvent{Type: EventRequeue, ID: s.Requeue, Outcome: "error", Detail: err.Error()})
			return nil
		}
		result.add(TraceEvent{Type: EventRequeue, ID: s.Requeue, Outcome: "ok"})
		return nil

	case s.Acknowledge != "":
		if err := h.queue.Acknowledge(ctx, s.Acknowledge); err != nil {
			result.add(TraceEvent{Type: EventAcknowledge, ID: s.Acknowledge, Outcome: "error", Detail: err.Error()})
			return nil
		}
		result.add(TraceEvent{Type: EventAcknowledge, ID: s.Acknowledge, Outcome: "ok"})
		return nil

	case s.CachePut != nil:
		r := *s.CachePut
		err := h.cache.Put(ctx, r.Key, []byte(r.Value), parseTTL(r.TTL))
		switch {
		case errors.Is(err, cache.ErrEntryTooLarge):
			result.add(TraceEvent{Type: EventCachePut, Key: model.NormalizeKey(r.Key), Outcome: "too_large"})
		case err != nil:
			return err
		default:
			result.add(TraceEvent{Type: EventCachePut, Key: model.NormalizeKey(r.Key), Outcome: "ok"})
		}
		return nil

	case s.CacheGet != "":
		entry, err := h.cache.Get(ctx, s.CacheGet)
		switch {
		case errors.Is(err, cache.ErrMiss):
			result.add(TraceEvent{Type: EventCacheGet, Key: model.NormalizeKey(s.CacheGet), Outcome: "miss"})
		case err != nil:
			return err
		default:
			result.add(TraceEvent{Type: EventCacheGet, Key: entry.Key, Outcome: "hit", Detail: string(entry.Value)})
		}
		return nil
	}

	return fmt.Errorf("empty step")
}

func (h *Harness) enqueue(ctx context.Context, e EnqueueStep, result *Result) error {
	kind, err := model.ParseOperationKind(e.Kind)
	if err != nil {
		return err
	}

	cacheKey := e.CacheKey
	if cacheKey == "" {
		cacheKey = e.Path
	}

	a := model.QueuedAction{
		ID:    e.ID,
		Scope: e.Scope,
		Kind:  kind,
		Payload: model.Payload{
			Target: model.Target{Path: e.Path, CacheKey: cacheKey},
		},
	}
	if e.Body != "" {
		a.Payload.Body = json.RawMessage(e.Body)
	}

	id, err := h.queue.Enqueue(ctx, a)
	if err != nil {
		result.add(TraceEvent{Type: EventEnqueue, ID: e.ID, Kind: e.Kind, Key: e.Path, Outcome: "error", Detail: err.Error()})
		return nil
	}
	result.add(TraceEvent{Type: EventEnqueue, ID: id, Kind: kind.String(), Key: e.Path, Outcome: "ok"})
	return nil
}

func (h *Harness) sync(ctx context.Context, i int, s *SyncStep, result *Result) error {
	out, err := h.engine.SyncNow(ctx)
	if err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}

	deliveries := h.endpoint.Deliveries()
	for _, d := range deliveries[h.seen:] {
		result.add(deliveryEvent(d))
	}
	h.seen = len(deliveries)

	result.add(TraceEvent{
		Type:    EventPass,
		Outcome: string(out.State),
		Detail: fmt.Sprintf("delivered=%d synced=%d retried=%d failed=%d conflicts=%d skipped=%d",
			out.Delivered, out.Synced, out.Retried, out.Failed, out.Conflicts, out.Skipped),
	})

	if s.Expect != nil {
		for _, msg := range checkPass(*s.Expect, out) {
			result.AddError(fmt.Sprintf("steps[%d].sync: %s", i, msg))
		}
	}
	return nil
}

func checkPass(want PassExpect, out engine.Outcome) []string {
	var errs []string
	if want.State != "" && want.State != string(out.State) {
		errs = append(errs, fmt.Sprintf("state: expected %s, got %s", want.State, out.State))
	}
	counters := []struct {
		name string
		want *int
		got  int
	}{
		{"synced", want.Synced, out.Synced},
		{"retried", want.Retried, out.Retried},
		{"failed", want.Failed, out.Failed},
		{"conflicts", want.Conflicts, out.Conflicts},
		{"skipped", want.Skipped, out.Skipped},
	}
	for _, c := range counters {
		if c.want != nil && *c.want != c.got {
			errs = append(errs, fmt.Sprintf("%s: expected %d, got %d", c.name, *c.want, c.got))
		}
	}
	return errs
}

func deliveryEvent(d testutil.Delivery) TraceEvent {
	ev := TraceEvent{Type: EventDeliver, ID: d.Token, Kind: d.Kind, Key: d.Path}
	switch {
	case d.Duplicate && d.Err == "":
		ev.Outcome = "duplicate"
	case d.Applied && d.Err != "":
		ev.Outcome = "applied_unacknowledged"
		ev.Detail = d.Err
	case d.Applied || d.Duplicate:
		ev.Outcome = "applied"
	default:
		ev.Outcome = "error"
		ev.Detail = d.Err
	}
	return ev
}

func scriptedStep(outcome string) testutil.Step {
	switch outcome {
	case OutcomeTimeout:
		return testutil.Step{Err: remote.TimeoutError(errScripted)}
	case OutcomeConflict:
		return testutil.Step{Err: remote.ConflictError("scripted", nil)}
	case OutcomeRejected:
		return testutil.Step{Err: remote.RejectedError("scripted")}
	case OutcomeLostAck:
		return testutil.Step{Err: remote.NetworkError(errScripted), ApplyThenErr: true}
	default:
		return testutil.Step{Err: remote.NetworkError(errScripted)}
	}
}

// parseTTL maps an empty ttl to "no expiry". validateResource has already
// checked the syntax.
func parseTTL(s string) time.Duration {
	if s == "" {
		return -1
	}
	d, _ := time.ParseDuration(s)
	return d
}
