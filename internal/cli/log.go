package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/imkarma/issueflow/internal/store"
)

var logCmd = &cobra.Command{
	Use:   "log [issue]",
	Short: "Show the run history of an issue, or the events of a run",
	Long: `With an issue ID, lists every run that touched it.
With --run, lists the events recorded in that run, optionally for one issue.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLog,
}

var logRun string

func init() {
	logCmd.Flags().StringVar(&logRun, "run", "", "Run ID whose events to show")
}

func runLog(cmd *cobra.Command, args []string) error {
	var id int64
	if len(args) == 1 {
		ids, err := parseIDs(args)
		if err != nil {
			return fatal(err)
		}
		id = ids[0]
	}
	if id == 0 && logRun == "" {
		return fatal(fmt.Errorf("give an issue ID or --run"))
	}

	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	if logRun != "" {
		return printEvents(out, s, logRun, id)
	}
	return printHistory(out, s, id)
}

func printHistory(w io.Writer, s *store.Store, id int64) error {
	history, err := s.TaskHistory(id)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Fprintf(w, "No runs recorded for #%d\n", id)
		return nil
	}
	fmt.Fprintf(w, "Runs for #%d:\n\n", id)
	for _, rt := range history {
		fmt.Fprintf(w, "  %s  %s  %-10s", rt.UpdatedAt.Local().Format("2006-01-02 15:04:05"), rt.RunID, rt.Outcome)
		if rt.Branch != "" {
			fmt.Fprintf(w, " %s", rt.Branch)
		}
		if rt.ArtifactURL != "" {
			fmt.Fprintf(w, " %s", rt.ArtifactURL)
		}
		if rt.Reason != "" {
			fmt.Fprintf(w, " %s%s%s", colorDim, rt.Reason, colorReset)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func printEvents(w io.Writer, s *store.Store, runID string, id int64) error {
	if _, err := s.GetRun(runID); err != nil {
		return err
	}
	events, err := s.GetEvents(runID, id)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintf(w, "No events for run %s\n", runID)
		return nil
	}
	fmt.Fprintf(w, "Events for run %s:\n\n", runID)
	for _, e := range events {
		task := ""
		if e.TaskID != 0 {
			task = "#" + strconv.FormatInt(e.TaskID, 10) + " "
		}
		fmt.Fprintf(w, "  %s  %s%-12s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), task, e.Type, e.Content)
	}
	return nil
}
