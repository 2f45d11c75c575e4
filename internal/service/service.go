// Package service assembles the store, cache, queue, connectivity monitor
// and sync engine from a configuration and runs them together.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
)

// DefaultMaintenanceInterval is how often Start purges expired cache entries
// and compacts synced actions.
const DefaultMaintenanceInterval = 10 * time.Minute

// ErrStarted is returned by Start when the service is already running.
var ErrStarted = errors.New("service already started")

// Service owns every component of one offline-sync instance.
//
// The exported fields are safe to use directly once Open returns; Close
// releases them in reverse order.
type Service struct {
	Store   *store.Store
	Cache   *cache.Store
	Queue   *queue.Queue
	Monitor *connectivity.Monitor
	Engine  *engine.Engine
	Metrics *metrics.Metrics

	logger      *slog.Logger
	clock       model.Clock
	maintenance time.Duration

	cancel context.CancelFunc
	group  *errgroup.Group
}

type options struct {
	logger      *slog.Logger
	clock       model.Clock
	metrics     *metrics.Metrics
	tracer      trace.TracerProvider
	prober      connectivity.Prober
	proberSet   bool
	ids         queue.IDGenerator
	maintenance time.Duration
	noRecover   bool
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces the wall clock (tests).
func WithClock(c model.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics records metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracerProvider sets the tracer provider used by the engine.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithProber overrides the prober derived from the configuration. A nil
// prober leaves the monitor driven by Report only.
func WithProber(p connectivity.Prober) Option {
	return func(o *options) {
		o.prober = p
		o.proberSet = true
	}
}

// WithIDGenerator sets the action id generator.
func WithIDGenerator(g queue.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithMaintenanceInterval sets the purge/compaction interval. 0 disables it.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(o *options) { o.maintenance = d }
}

// WithoutRecovery skips resetting in-flight actions on Open. Use it when
// another process may be delivering from the same database.
func WithoutRecovery() Option {
	return func(o *options) { o.noRecover = true }
}

// Open builds a service from cfg. The store is opened (or created), the
// queue recovered from any crash, and the components wired together.
// Nothing runs in the background until Start.
func Open(ctx context.Context, cfg config.Config, endpoint remote.Endpoint, opts ...Option) (*Service, error) {
	o := options{
		logger:      slog.Default(),
		clock:       model.SystemClock{},
		maintenance: DefaultMaintenanceInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(cfg.Database.Path,
		store.WithLogger(o.logger),
		store.WithCompressThreshold(cfg.Database.CompressThreshold),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if st.RebuiltAccounting() {
		o.logger.Warn("cache accounting rebuilt on open", "path", cfg.Database.Path)
	}

	m := o.metrics
	c := cache.New(st,
		cache.WithMaxBytes(cfg.Cache.MaxBytes),
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithHalfLife(cfg.Cache.HalfLife.Std()),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL.Std()),
		cache.WithClock(o.clock),
		cache.WithLogger(o.logger),
		cache.WithEvictHook(func(_ model.EntryMeta, reason cache.EvictReason) {
			m.IncEviction(string(reason))
		}),
	)

	qopts := []queue.Option{
		queue.WithClock(o.clock),
		queue.WithLogger(o.logger),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithRetention(cfg.Queue.Retention.Std()),
	}
	if o.ids != nil {
		qopts = append(qopts, queue.WithIDGenerator(o.ids))
	}
	q := queue.New(st, qopts...)

	if !o.noRecover {
		recovered, err := q.Recover(ctx)
		if err != nil {
			q.Close()
			_ = st.Close()
			return nil, fmt.Errorf("recover queue: %w", err)
		}
		if recovered > 0 {
			o.logger.Info("recovered in-flight actions", "count", recovered)
		}
	}

	prober := o.prober
	if !o.proberSet {
		prober = ProberFor(cfg)
	}
	mon := connectivity.New(prober,
		connectivity.WithInterval(cfg.Connectivity.Interval.Std()),
		connectivity.WithTimeout(cfg.Connectivity.Timeout.Std()),
		connectivity.WithThreshold(cfg.Connectivity.Threshold),
		connectivity.WithClock(o.clock),
		connectivity.WithLogger(o.logger),
	)

	eopts := []engine.Option{
		engine.WithMonitor(mon),
		engine.WithActionTimeout(cfg.Sync.ActionTimeout.Std()),
		engine.WithBackoff(cfg.Sync.BaseBackoff.Std(), cfg.Sync.MaxBackoff.Std(), cfg.Sync.Jitter),
		engine.WithPeriodic(cfg.Sync.Periodic.Std()),
		engine.WithClock(o.clock),
		engine.WithLogger(o.logger),
		engine.WithMetrics(m),
	}
	if o.tracer != nil {
		eopts = append(eopts, engine.WithTracerProvider(o.tracer))
	}
	eng := engine.New(q, c, endpoint, eopts...)

	s := &Service{
		Store:       st,
		Cache:       c,
		Queue:       q,
		Monitor:     mon,
		Engine:      eng,
		Metrics:     m,
		logger:      o.logger,
		clock:       o.clock,
		maintenance: o.maintenance,
	}
	s.refreshGauges(ctx)
	return s, nil
}

// EndpointFor builds the HTTP endpoint described by cfg.Remote.
func EndpointFor(cfg config.Config, logger *slog.Logger) (remote.Endpoint, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, errors.New("remote.base_url is not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return remote.NewHTTPEndpoint(cfg.Remote.BaseURL,
		remote.WithCredential(cfg.Remote.Credential),
		remote.WithHTTPLogger(logger),
	)
}

// ProberFor picks the reachability probe for cfg: an explicit probe URL,
// then a dial address, then the remote base URL. Returns nil when none is
// configured.
func ProberFor(cfg config.Config) connectivity.Prober {
	switch {
	case cfg.Connectivity.ProbeURL != "":
		return connectivity.HTTPProber{URL: cfg.Connectivity.ProbeURL}
	case cfg.Connectivity.ProbeAddr != "":
		return connectivity.DialProber{Address: cfg.Connectivity.ProbeAddr}
	case cfg.Remote.BaseURL != "":
		return connectivity.HTTPProber{URL: cfg.Remote.BaseURL}
	default:
		return nil
	}
}

// Start runs the monitor, the engine loop and housekeeping in the background
// until ctx ends or Close is called.
func (s *Service) Start(ctx context.Context) error {
	if s.group != nil {
		return ErrStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	// Subscribe before the monitor starts so the first transition is seen.
	transitions := s.Monitor.Subscribe(gctx)

	g.Go(func() error { return s.Monitor.Run(gctx) })
	g.Go(func() error { return s.Engine.Run(gctx) })
	g.Go(func() error {
		for t := range transitions {
			s.Metrics.SetOnline(string(t.To), t.To == connectivity.Online)
		}
		return nil
	})
	if s.maintenance > 0 {
		g.Go(func() error { return s.maintain(gctx) })
	}

	return nil
}

// Wait blocks until the background goroutines started by Start exit.
func (s *Service) Wait() error {
	if s.group == nil {
		return nil
	}
	err := s.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Submit enqueues a and wakes the engine. Returns the action id.
func (s *Service) Submit(ctx context.Context, a model.QueuedAction) (string, error) {
	id, err := s.Queue.Enqueue(ctx, a)
	if err != nil {
		return "", err
	}
	s.Engine.Trigger()
	s.refreshGauges(ctx)
	return id, nil
}

// Status is a point-in-time summary of the service.
type Status struct {
	Connectivity connectivity.State   `json:"connectivity"`
	Pass         engine.PassState     `json:"pass"`
	LastOutcome  *engine.Outcome      `json:"last_outcome,omitempty"`
	Queue        map[model.Status]int `json:"queue"`
	Cache        cache.Usage          `json:"cache"`

	// RebuiltAccounting is true when Open found the recorded cache usage
	// out of step with the stored entries and recomputed it.
	RebuiltAccounting bool `json:"rebuilt_accounting,omitempty"`
}

// Status reports the current state of every component.
func (s *Service) Status(ctx context.Context) (Status, error) {
	counts, err := s.Queue.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	usage, err := s.Cache.Usage(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Connectivity: s.Monitor.State(),
		Pass:         s.Engine.State(),
		Queue:        counts,
		Cache:        usage,

		RebuiltAccounting: s.Store.RebuiltAccounting(),
	}
	if last := s.Engine.LastOutcome(); last.Session.ID != "" {
		st.LastOutcome = &last
	}
	return st, nil
}

// Maintain purges expired cache entries and removes synced actions past
// retention once.
func (s *Service) Maintain(ctx context.Context) error {
	purged, err := s.Cache.Purge(ctx)
	if err != nil {
		return err
	}
	drained, err := s.Queue.DrainSynced(ctx)
	if err != nil {
		return err
	}
	if purged > 0 || drained > 0 {
		s.logger.Info("maintenance", "expired_entries", purged, "synced_actions", drained)
	}
	s.refreshGauges(ctx)
	return nil
}

// Close stops the background goroutines and releases every component.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	waitErr := s.Wait()

	s.Engine.Close()
	s.Monitor.Close()
	s.Queue.Close()

	if err := s.Store.Close(); err != nil {
		return err
	}
	return waitErr
}

func (s *Service) maintain(ctx context.Context) error {
	ticker := time.NewTicker(s.maintenance)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Maintain(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("maintenance failed", "error", err)
			}
		}
	}
}

func (s *Service) refreshGauges(ctx context.Context) {
	if s.Metrics == nil {
		return
	}
	if usage, err := s.Cache.Usage(ctx); err == nil {
		s.Metrics.SetCacheUsage(usage.Bytes, usage.Entries)
	}
	if counts, err := s.Queue.Counts(ctx); err == nil {
		depth := make(map[string]int, len(counts))
		for status, n := range counts {
			depth[string(status)] = n
		}
		s.Metrics.SetQueueDepth(depth)
	}
}
