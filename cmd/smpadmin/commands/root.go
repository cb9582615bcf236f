// Package commands implements smpadmin, the maintenance CLI for the SMP
// storage backends.
package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "smpadmin",
	Short: "Maintenance tasks for the SMP storage backends",
	Long: `smpadmin inspects and maintains the stores behind the SMP managers.

Configuration is read the same way the server reads it: defaults, then the
YAML file named by SMP_CONFIG_FILE, then SMP_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Errors are printed by the command itself.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

func SetVersion(v string) {
	rootCmd.Version = v
}
