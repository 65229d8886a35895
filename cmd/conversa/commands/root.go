// Package commands implements the Conversa CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conversa",
		Short: "Conversa - proactive conversation daemon",
		Long: `Conversa keeps conversations alive: it tracks chat sessions and
proactively sends AI-generated follow-ups when a conversation goes idle,
daily greetings at configured times, and user-defined reminders.

Examples:
  conversa serve
  conversa serve --config ./conversa.yaml`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
