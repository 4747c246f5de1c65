package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/imkarma/issueflow/internal/tui"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Browse recorded runs interactively",
	Long:  "Opens a terminal viewer over the run ledger: recent runs, per-task outcomes and event history. It refreshes while a run is in progress.",
	RunE:  runUI,
}

func runUI(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	p := tea.NewProgram(tui.New(s), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
