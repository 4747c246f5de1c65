package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/imkarma/issueflow/internal/graph"
)

var planCmd = &cobra.Command{
	Use:   "plan <issue>...",
	Short: "Show the execution order of a batch without changing anything",
	Long: `Reads the blocked-by edges of every issue in the batch and prints the
order run would use. Nothing on the tracker is modified.

Exits with status 2 if the batch contains a dependency cycle.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

var planJSON bool

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return fatal(err)
	}
	ctx := cmd.Context()
	st, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	plan, err := graph.NewResolver(st.tracker, st.log).Resolve(ctx, ids)
	out := cmd.OutOrStdout()
	var cycle *graph.CycleError
	switch {
	case errors.As(err, &cycle):
		printCycle(out, cycle)
		return &ExitError{Code: exitFatal}
	case err != nil:
		return fatal(err)
	}

	if planJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	printPlan(out, plan)
	return nil
}

func printPlan(w io.Writer, plan *graph.Plan) {
	fmt.Fprintf(w, "%sExecution order (%d tasks):%s\n", colorBold, len(plan.Order), colorReset)
	for i, id := range plan.Order {
		fmt.Fprintf(w, "  %2d. #%d", i+1, id)
		if blockers := plan.Blockers(id); len(blockers) > 0 {
			fmt.Fprintf(w, "  %safter %s%s", colorDim, idList(blockers), colorReset)
		}
		if ext := plan.ExternalBlockers(id); len(ext) > 0 {
			fmt.Fprintf(w, "  %sneeds %s settled%s", colorYellow, idList(ext), colorReset)
		}
		fmt.Fprintln(w)
	}
}

func printCycle(w io.Writer, cycle *graph.CycleError) {
	fmt.Fprintf(w, "%sDependency cycle:%s tasks %s cannot be ordered\n", colorRed+colorBold, colorReset, idList(cycle.Participants))
	if len(cycle.Path) > 0 {
		fmt.Fprintf(w, "  for example: %s\n", idPath(cycle.Path))
	}
	fmt.Fprintln(w, "Remove one of the blocked-by links and try again. Nothing was changed.")
}

func idList(ids []int64) string {
	return joinIDs(ids, ", ")
}

func idPath(ids []int64) string {
	return joinIDs(ids, " -> ")
}

func joinIDs(ids []int64, sep string) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += sep
		}
		s += fmt.Sprintf("#%d", id)
	}
	return s
}
