package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/config"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file, OFFSYNC_*
environment variables and flags have been merged and validated.

Credentials are redacted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if cfg.Remote.Credential != "" {
				cfg.Remote.Credential = "<redacted>"
			}

			return formatter(rootOpts, cmd).Render(cfg, func(w io.Writer) error {
				data, err := config.Encode(cfg)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to encode configuration", err)
				}
				_, err = w.Write(data)
				return err
			})
		},
	}
}
