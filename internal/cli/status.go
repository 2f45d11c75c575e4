package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and cache status",
		Long: `Report queue depth per status and cache usage against its budget.

Example:
  offsync status --db ./offsync.db
  offsync status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			st, err := svc.Status(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read status", err)
			}

			return formatter(rootOpts, cmd).Render(st, func(w io.Writer) error {
				fmt.Fprintf(w, "Connectivity: %s\n", st.Connectivity)
				fmt.Fprintf(w, "Sync pass:    %s\n", st.Pass)
				if st.LastOutcome != nil {
					fmt.Fprintf(w, "Last pass:    %s (%s)\n", st.LastOutcome.Session.ID, st.LastOutcome.State)
				}
				fmt.Fprintln(w, "Queue:")
				for _, s := range []model.Status{model.StatusPending, model.StatusInFlight, model.StatusFailed, model.StatusSynced} {
					fmt.Fprintf(w, "  %-10s %d\n", s, st.Queue[s])
				}
				fmt.Fprintln(w, "Cache:")
				fmt.Fprintf(w, "  entries    %d%s\n", st.Cache.Entries, budget(st.Cache.MaxEntries))
				fmt.Fprintf(w, "  bytes      %d%s\n", st.Cache.Bytes, budget(st.Cache.MaxBytes))
				if st.RebuiltAccounting {
					fmt.Fprintln(w, "  accounting rebuilt from entries on open")
				}
				return nil
			})
		},
	}
}

func budget(max int64) string {
	if max <= 0 {
		return ""
	}
	return fmt.Sprintf(" / %d", max)
}
