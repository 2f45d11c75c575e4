package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/service"
	"github.com/roach88/offsync/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// Endpoint overrides the HTTP endpoint built from the configuration
	// (for testing).
	Endpoint remote.Endpoint

	// Service options appended after the defaults (for testing).
	ServiceOptions []service.Option
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the connectivity monitor and the sync engine until interrupted.

Queued actions are delivered whenever the remote becomes reachable, on every
new submission, when a retry backoff elapses and on the periodic timer
(sync.periodic, default 1m). With telemetry.metrics_addr set,
Prometheus metrics are served at /metrics; with telemetry.otlp_endpoint set,
traces are exported over OTLP/HTTP.

Example:
  offsync run --config offsync.toml
  OFFSYNC_REMOTE_BASE_URL=https://api.example.com offsync run --db ./offsync.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	return cmd
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr(), slog.LevelInfo)
	slog.SetDefault(logger)

	endpoint := opts.Endpoint
	if endpoint == nil {
		endpoint, err = service.EndpointFor(cfg, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid remote configuration", err)
		}
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	tp, shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	svcOpts := append([]service.Option{
		service.WithLogger(logger),
		service.WithMetrics(m),
		service.WithTracerProvider(tp),
	}, opts.ServiceOptions...)

	logger.Info("opening database", "path", cfg.Database.Path)
	svc, err := service.Open(ctx, cfg, endpoint, svcOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer closeService(svc)

	if cfg.Telemetry.MetricsAddr != "" {
		srv := serveMetrics(cfg.Telemetry.MetricsAddr, reg, logger)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if err := svc.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start", err)
	}

	logger.Info("sync daemon started", "db", cfg.Database.Path, "remote", cfg.Remote.BaseURL)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync daemon started. Press Ctrl-C to stop.")

	<-ctx.Done()

	if err := svc.Wait(); err != nil {
		return WrapExitError(ExitFailure, "sync daemon error", err)
	}

	logger.Info("sync daemon stopped gracefully")
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
