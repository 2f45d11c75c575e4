package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/service"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions

	// Endpoint overrides the HTTP endpoint (for testing).
	Endpoint remote.Endpoint
}

// SyncResult is the JSON form of a finished pass.
type SyncResult struct {
	Session   string           `json:"session"`
	State     engine.PassState `json:"state"`
	Delivered int              `json:"delivered"`
	Synced    int              `json:"synced"`
	Retried   int              `json:"retried"`
	Failed    int              `json:"failed"`
	Conflicts int              `json:"conflicts"`
	Skipped   int              `json:"skipped"`
	Error     string           `json:"error,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		Long: `Deliver every ready queued action once, in order, and report the outcome.

The pass runs regardless of observed connectivity. In-flight actions left by
a crashed process are returned to the queue first, so do not run this while
a daemon uses the same database.

Exit codes:
  0 - Pass completed (individual actions may still have failed)
  1 - Pass failed
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr(), slog.LevelWarn)

	endpoint := opts.Endpoint
	if endpoint == nil {
		endpoint, err = service.EndpointFor(cfg, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid remote configuration", err)
		}
	}

	ctx := commandContext(cmd)
	svc, err := service.Open(ctx, cfg, endpoint,
		service.WithLogger(logger),
		service.WithProber(nil),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer closeService(svc)

	out, passErr := svc.Engine.SyncNow(ctx)
	res := SyncResult{
		Session:   out.Session.ID,
		State:     out.State,
		Delivered: out.Delivered,
		Synced:    out.Synced,
		Retried:   out.Retried,
		Failed:    out.Failed,
		Conflicts: out.Conflicts,
		Skipped:   out.Skipped,
	}
	if passErr != nil {
		res.Error = passErr.Error()
	}

	f := formatter(opts.RootOptions, cmd)
	if err := f.Render(res, func(w io.Writer) error {
		fmt.Fprintf(w, "Pass %s: %s\n", res.Session, res.State)
		fmt.Fprintf(w, "  delivered %d, synced %d, retried %d, failed %d, conflicts %d, skipped %d\n",
			res.Delivered, res.Synced, res.Retried, res.Failed, res.Conflicts, res.Skipped)
		return nil
	}); err != nil {
		return err
	}

	if passErr != nil {
		return WrapExitError(ExitFailure, "sync pass failed", passErr)
	}
	return nil
}
