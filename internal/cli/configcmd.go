package cli

import (
	"io"

	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(newConfigCheckCommand(rootOpts))
	return cmd
}

func newConfigCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and print the effective values",
		Long: `Load defaults, the config file, dotenv files and REFERRA_* variables,
validate the result, and print it with secrets masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
			}
			redacted := cfg.Redacted()
			var encodeErr error
			err = out.Success(redacted, func(w io.Writer) {
				encodeErr = redacted.Encode(w, as)
			})
			if err == nil {
				err = encodeErr
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to print configuration", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", "yaml", "text output syntax (yaml|toml)")
	return cmd
}
