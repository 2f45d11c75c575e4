package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/service"
)

// loadConfig resolves the effective configuration for a command.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	return cfg, nil
}

// newLogger builds the stderr logger. Management commands stay quiet
// unless --verbose is set.
func newLogger(opts *RootOptions, w io.Writer, level slog.Level) *slog.Logger {
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openLocal opens the database for inspection and management. In-flight
// actions are left alone because a running daemon may own them, and no
// prober runs.
func openLocal(cmd *cobra.Command, opts *RootOptions) (*service.Service, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger := newLogger(opts, cmd.ErrOrStderr(), slog.LevelWarn)

	var endpoint remote.Endpoint
	if cfg.Remote.BaseURL != "" {
		endpoint, err = service.EndpointFor(cfg, logger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid remote configuration", err)
		}
	}

	svc, err := service.Open(commandContext(cmd), cfg, endpoint,
		service.WithLogger(logger),
		service.WithProber(nil),
		service.WithoutRecovery(),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return svc, nil
}

func closeService(svc *service.Service) {
	if err := svc.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
