package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "issueflow",
	Short: "Run GitHub issues through an agent in dependency order",
	Long: `issueflow takes a batch of GitHub issues, orders them by their
blocked-by relationships, and drives each one from todo to in-review:
an agent does the work on a fresh branch and a pull request is opened.
A failed task is labelled needs-human-help and everything it blocks is skipped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default .issueflow/config.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(uiCmd)
}
