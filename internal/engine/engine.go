package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/pubsub"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/remote"
)

const (
	DefaultActionTimeout = 30 * time.Second
	DefaultBaseBackoff   = time.Second
	DefaultMaxBackoff    = 5 * time.Minute
	DefaultJitter        = 0.2

	tracerName = "github.com/roach88/offsync/internal/engine"
)

// SessionIDGenerator produces pass session ids.
// queue.UUIDv7Generator and queue.SequenceGenerator implement it.
type SessionIDGenerator interface {
	Generate() string
}

// Engine drains the action queue against a remote endpoint.
//
// Thread-safety model:
//   - Trigger, SyncNow, State, LastOutcome and the stream methods: safe from
//     any goroutine
//   - Run: must be called from exactly one goroutine
//
// INVARIANTS:
//   - at most one pass is Draining at any time
//   - within a scope an action is delivered only after every earlier action
//     of that scope is synced or has been removed by the caller
type Engine struct {
	queue    *queue.Queue
	cache    *cache.Store
	endpoint remote.Endpoint
	monitor  *connectivity.Monitor

	clock   model.Clock
	ids     SessionIDGenerator
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	actionTimeout time.Duration
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	jitter        float64
	periodic      time.Duration

	draining atomic.Bool
	stopped  atomic.Bool
	passes   passCounter
	wake     *trigger
	rearm    chan struct{}

	mu   sync.Mutex
	last Outcome

	conflicts *pubsub.Broker[Conflict]
	failures  *pubsub.Broker[Failure]
	outcomes  *pubsub.Broker[Outcome]
}

// Option configures an Engine.
type Option func(*Engine)

// WithMonitor makes Online transitions trigger passes. Run also skips
// background passes while the monitor reports Offline.
func WithMonitor(m *connectivity.Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

// WithActionTimeout bounds each endpoint call. Expiry is a retryable timeout.
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.actionTimeout = d }
}

// WithBackoff sets the retry delay base * 2^(attempts-1), capped at max,
// randomized by jitter (0 disables jitter).
func WithBackoff(base, max time.Duration, jitter float64) Option {
	return func(e *Engine) {
		e.baseBackoff = base
		e.maxBackoff = max
		e.jitter = jitter
	}
}

// WithPeriodic triggers a pass every d from Run. 0 disables the timer.
func WithPeriodic(d time.Duration) Option {
	return func(e *Engine) { e.periodic = d }
}

// WithClock replaces the wall clock (tests).
func WithClock(c model.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithSessionIDs sets the session id generator.
func WithSessionIDs(g SessionIDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracerProvider sets the OpenTelemetry tracer provider. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithMetrics records pass and delivery metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine. c may be nil when no write-through is wanted.
func New(q *queue.Queue, c *cache.Store, endpoint remote.Endpoint, opts ...Option) *Engine {
	e := &Engine{
		queue:         q,
		cache:         c,
		endpoint:      endpoint,
		clock:         model.SystemClock{},
		ids:           queue.UUIDv7Generator{},
		logger:        slog.Default(),
		actionTimeout: DefaultActionTimeout,
		baseBackoff:   DefaultBaseBackoff,
		maxBackoff:    DefaultMaxBackoff,
		jitter:        DefaultJitter,
		wake:          newTrigger(),
		rearm:         make(chan struct{}, 1),
		conflicts:     pubsub.New[Conflict](0),
		failures:      pubsub.New[Failure](0),
		outcomes:      pubsub.New[Outcome](0),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	e.last = Outcome{State: Idle}
	return e
}

// Trigger requests a background pass. Requests made while a pass is
// pending or draining coalesce. Returns false after Close.
// Thread-safe: may be called from any goroutine.
func (e *Engine) Trigger() bool {
	return e.wake.Fire()
}

// SyncNow runs one pass on the calling goroutine and returns its outcome.
// Returns ErrPassInProgress if another pass is draining.
func (e *Engine) SyncNow(ctx context.Context) (Outcome, error) {
	if e.stopped.Load() {
		return Outcome{}, ErrStopped
	}
	return e.runPass(ctx, "manual")
}

// State returns Draining during a pass and Idle otherwise.
func (e *Engine) State() PassState {
	if e.draining.Load() {
		return Draining
	}
	return Idle
}

// LastOutcome returns the outcome of the most recent pass. Its State is
// Idle before the first pass.
func (e *Engine) LastOutcome() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Conflicts streams conflict events published after the call. Events are
// dropped for a reader that falls behind; reconcile with
// Queue.List(status=failed) after a gap.
func (e *Engine) Conflicts(ctx context.Context) <-chan Conflict {
	return e.conflicts.Subscribe(ctx)
}

// Failures streams terminal, non-conflict failures published after the call.
// Like Conflicts it drops events for a slow reader; the failed actions stay
// listed in the queue until acknowledged.
func (e *Engine) Failures(ctx context.Context) <-chan Failure {
	return e.failures.Subscribe(ctx)
}

// Outcomes streams the outcome of every pass finished after the call.
func (e *Engine) Outcomes(ctx context.Context) <-chan Outcome {
	return e.outcomes.Subscribe(ctx)
}

// Run is the background worker. It runs a pass on every coalesced trigger,
// on every Online transition of the monitor, on the periodic timer and when
// the earliest scheduled retry comes due, until ctx ends or Close is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine starting",
		"action_timeout", e.actionTimeout,
		"periodic", e.periodic,
	)

	var transitions <-chan connectivity.Transition
	if e.monitor != nil {
		transitions = e.monitor.Subscribe(ctx)
		if e.monitor.State() == connectivity.Online {
			e.Trigger()
		}
	}

	var tick <-chan time.Time
	if e.periodic > 0 {
		ticker := time.NewTicker(e.periodic)
		defer ticker.Stop()
		tick = ticker.C
	}

	retry := newRetryTimer()
	defer retry.Stop()
	e.armRetry(ctx, retry)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping: context cancelled")
			return nil

		case _, ok := <-e.wake.Wait():
			if !ok {
				e.logger.Info("sync engine stopping: closed")
				return nil
			}
			e.background(ctx, "trigger")

		case t, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if t.To == connectivity.Online {
				e.background(ctx, "online")
			}
			e.armRetry(ctx, retry)

		case <-tick:
			e.background(ctx, "periodic")

		case <-e.rearm:
			e.armRetry(ctx, retry)

		case <-retry.C():
			e.background(ctx, "retry")
		}
	}
}

// armRetry points the retry timer at the earliest pending retry. It is
// re-armed after every pass and on Online transitions.
func (e *Engine) armRetry(ctx context.Context, retry *retryTimer) {
	retry.Stop()
	if e.monitor != nil && e.monitor.State() == connectivity.Offline {
		return
	}

	now := e.clock.Now()
	at, ok, err := e.queue.NextRetry(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("retry timer: next retry lookup failed", "error", err)
		}
		return
	}
	if !ok {
		return
	}
	delay := max(at.Sub(now), 0)
	retry.Reset(delay)
	e.logger.Debug("retry timer armed", "at", at, "in", delay)
}

// signalRearm asks Run to recompute the retry timer. Never blocks.
func (e *Engine) signalRearm() {
	select {
	case e.rearm <- struct{}{}:
	default:
	}
}

// Close stops Run and every stream. Passes already draining finish.
func (e *Engine) Close() {
	e.stopped.Store(true)
	e.wake.Close()
	e.conflicts.Close()
	e.failures.Close()
	e.outcomes.Close()
}

// background runs a pass from the Run loop. Busy and offline are no-ops.
func (e *Engine) background(ctx context.Context, reason string) {
	if e.monitor != nil && e.monitor.State() == connectivity.Offline {
		e.logger.Debug("sync pass skipped: offline", "trigger", reason)
		return
	}

	_, err := e.runPass(ctx, reason)
	switch {
	case err == nil:
	case errors.Is(err, ErrPassInProgress):
		e.logger.Debug("sync trigger coalesced: pass in progress", "trigger", reason)
	default:
		e.logger.Error("sync pass failed", "trigger", reason, "error", err)
	}
}
