package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imkarma/issueflow/internal/config"
	"github.com/imkarma/issueflow/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize issueflow in the current repository",
	Long:  "Creates a .issueflow/ directory with a default config and the run ledger.",
	RunE:  runInit,
}

var (
	initOwner string
	initRepo  string
)

func init() {
	initCmd.Flags().StringVar(&initOwner, "owner", "", "GitHub owner of the issue repository")
	initCmd.Flags().StringVar(&initRepo, "repo", "", "GitHub repository name")
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(flowDirName); err == nil {
		return fatal(fmt.Errorf("issueflow already initialized in this directory (%s/ exists)", flowDirName))
	}
	if err := os.MkdirAll(flowDirName, 0755); err != nil {
		return fmt.Errorf("create %s: %w", flowDirName, err)
	}

	cfg := config.DefaultConfig()
	cfg.GitHub.Owner = initOwner
	cfg.GitHub.Repo = initRepo
	if err := config.Save(flowPath("config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Migration runs on open.
	s, err := store.New(flowPath("ledger.db"))
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	s.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized issueflow in %s/\n\n", flowDirName)
	fmt.Fprintln(out, "Next steps:")
	step := 1
	if initOwner == "" || initRepo == "" {
		fmt.Fprintf(out, "  %d. Set github.owner and github.repo in %s\n", step, flowPath("config.yaml"))
		step++
	}
	fmt.Fprintf(out, "  %d. Export %s with a token that can edit issues and open pull requests\n", step, cfg.GitHub.TokenEnv)
	fmt.Fprintf(out, "  %d. Run: issueflow plan <issue>... then issueflow run <issue>...\n", step+1)
	return nil
}
