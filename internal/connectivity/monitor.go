// Package connectivity tracks whether the remote system is reachable.
//
// A Monitor combines two sources: a polling Prober run every Interval and
// pushed reports from the platform (Report). Consumers observe online and
// offline transitions through Subscribe or Events; consecutive duplicate
// states are never delivered.
package connectivity

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/pubsub"
)

// State is the observed reachability of the remote system.
type State string

const (
	Unknown State = "unknown"
	Online  State = "online"
	Offline State = "offline"
)

// Transition is one change of State.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Source string    `json:"source"`
}

const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Monitor observes connectivity.
//
// Thread-safety: all methods are safe for concurrent use.
type Monitor struct {
	prober    Prober
	interval  time.Duration
	timeout   time.Duration
	threshold int
	clock     model.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	state  State
	streak int
	last   State // last probe result, for threshold counting

	transitions *pubsub.Broker[Transition]
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the polling period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithTimeout bounds a single probe.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithThreshold sets how many consecutive agreeing probes are needed to flip
// a known state. Values below 1 mean 1.
func WithThreshold(n int) Option {
	return func(m *Monitor) { m.threshold = n }
}

// WithInitialState sets the state before the first observation.
func WithInitialState(s State) Option {
	return func(m *Monitor) { m.state = s }
}

// WithClock replaces the wall clock used for transition timestamps.
func WithClock(c model.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a monitor. prober may be nil when only Report is used.
func New(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:      prober,
		interval:    DefaultInterval,
		timeout:     DefaultTimeout,
		threshold:   1,
		clock:       model.SystemClock{},
		logger:      slog.Default(),
		state:       Unknown,
		transitions: pubsub.New[Transition](16),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.threshold < 1 {
		m.threshold = 1
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	return m
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel of transitions observed after the call.
// The channel closes when ctx ends or the monitor is closed.
func (m *Monitor) Subscribe(ctx context.Context) <-chan Transition {
	return m.transitions.Subscribe(ctx)
}

// Events returns a lazy sequence of transitions. Every range over it opens
// a fresh subscription, which ends when ctx ends or the loop breaks.
func (m *Monitor) Events(ctx context.Context) iter.Seq[Transition] {
	return func(yield func(Transition) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for t := range m.Subscribe(ctx) {
			if !yield(t) {
				return
			}
		}
	}
}

// Report records a state pushed by the platform. It applies immediately,
// without the probe threshold.
func (m *Monitor) Report(s State) {
	m.mu.Lock()
	m.last, m.streak = s, 0
	t, changed := m.setLocked(s, "report")
	m.mu.Unlock()

	if changed {
		m.publish(t)
	}
}

// Check runs one probe, records its result and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) State {
	if m.prober == nil {
		return m.State()
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return m.State()
	}

	observed := Online
	if err != nil {
		observed = Offline
		m.logger.Debug("connectivity probe failed", "error", err)
	}

	m.mu.Lock()
	if observed == m.last {
		m.streak++
	} else {
		m.last, m.streak = observed, 1
	}

	var (
		t       Transition
		changed bool
	)
	if m.state == Unknown || m.streak >= m.threshold {
		t, changed = m.setLocked(observed, "probe")
	}
	state := m.state
	m.mu.Unlock()

	if changed {
		m.publish(t)
	}
	return state
}

// Run probes immediately and then every interval until ctx ends.
// Without a prober it only waits for ctx.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return nil
	}

	m.logger.Info("connectivity monitor started",
		"interval", m.interval,
		"timeout", m.timeout,
		"threshold", m.threshold,
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Check(ctx)

		select {
		case <-ctx.Done():
			m.logger.Info("connectivity monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Close ends all subscriptions.
func (m *Monitor) Close() {
	m.transitions.Close()
}

func (m *Monitor) setLocked(s State, source string) (Transition, bool) {
	if s == m.state {
		return Transition{}, false
	}
	t := Transition{From: m.state, To: s, At: m.clock.Now(), Source: source}
	m.state = s
	return t, true
}

func (m *Monitor) publish(t Transition) {
	m.logger.Info("connectivity changed", "from", t.From, "to", t.To, "source", t.Source)
	m.transitions.Publish(t)
}
