package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared across all commands.
type RootOptions struct {
	Verbose bool
	Format  string

	// Config is the path of a YAML or TOML configuration file.
	Config string

	// Database overrides database.path from the configuration.
	Database string
}

// ValidFormats lists the allowed values for --format flag.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the offsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "offsync",
		Short: "Offline-first cache and sync engine",
		Long: `offsync keeps a local cache of remote content and a durable queue of
mutations made while offline, and delivers those mutations to the remote
system in order once it is reachable.

Configuration comes from built-in defaults, an optional file (--config,
YAML or TOML) and OFFSYNC_* environment variables, in that order.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "configuration file (YAML or TOML)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "SQLite database path (overrides database.path)")

	cmd.AddCommand(
		NewRunCommand(opts),
		NewSyncCommand(opts),
		NewStatusCommand(opts),
		NewCacheCommand(opts),
		NewQueueCommand(opts),
		NewConfigCommand(opts),
		NewTestCommand(opts),
	)

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
