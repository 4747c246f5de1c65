package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/imkarma/issueflow/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest run and any that did not finish",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return printStatus(cmd.OutOrStdout(), s)
}

func printStatus(w io.Writer, s *store.Store) error {
	run, err := s.LatestRun()
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Fprintf(w, "No runs yet. Run: %sissueflow run <issue>...%s\n", colorCyan, colorReset)
		return nil
	}

	tasks, err := s.ListRunTasks(run.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%sLatest run %s%s  %s  started %s\n", colorBold, run.ID, colorReset,
		runStatusColor(run.Status)+run.Status+colorReset, run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if run.Summary != "" {
		fmt.Fprintf(w, "  %s\n", run.Summary)
	}
	for _, t := range tasks {
		fmt.Fprintf(w, "  #%-6d %-10s %s", t.TaskID, t.Outcome, t.Title)
		if t.ArtifactURL != "" {
			fmt.Fprintf(w, "  %s%s%s", colorCyan, t.ArtifactURL, colorReset)
		}
		fmt.Fprintln(w)
	}

	interrupted, err := s.ListInterruptedRuns()
	if err != nil {
		return err
	}
	var others []store.Run
	for _, r := range interrupted {
		if r.ID != run.ID {
			others = append(others, r)
		}
	}
	if len(others) > 0 {
		fmt.Fprintf(w, "\n%s⚠  Runs that never finished:%s\n", colorRed+colorBold, colorReset)
		for _, r := range others {
			fmt.Fprintf(w, "  %s  started %s  tasks %s\n", r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), idList(r.Requested))
		}
		fmt.Fprintln(w, "  Tasks they left in in-progress need a manual look.")
	}
	return nil
}

func runStatusColor(status string) string {
	switch status {
	case store.RunCompleted:
		return colorGreen
	case store.RunPartial:
		return colorYellow
	case store.RunAborted:
		return colorRed
	}
	return colorBlue
}
