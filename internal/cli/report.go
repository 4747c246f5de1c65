package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/imkarma/issueflow/internal/orchestrator"
)

// outcomeMarks maps outcomes to a glyph and color.
var outcomeMarks = map[orchestrator.Outcome][2]string{
	orchestrator.OutcomeCompleted: {"✓", colorGreen},
	orchestrator.OutcomeFailed:    {"✗", colorRed},
	orchestrator.OutcomeSkipped:   {"↷", colorYellow},
	orchestrator.OutcomeInvalid:   {"!", colorRed},
	orchestrator.OutcomeDeferred:  {"…", colorDim},
}

// reportIDs lists every task the report mentions: plan order first, then
// tasks dropped before planning.
func reportIDs(r *orchestrator.Report) []int64 {
	ids := slices.Clone(r.Order)
	for _, group := range [][]int64{r.Invalid, r.Deferred, r.Failed, r.Skipped, r.Completed} {
		for _, id := range group {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func printReport(w io.Writer, r *orchestrator.Report, runErr error) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "%sRun %s%s  %s\n", colorBold, r.RunID, colorReset, r.Summary())
	if len(r.Order) > 0 {
		fmt.Fprintf(w, "%sOrder: %s%s\n", colorDim, idPath(r.Order), colorReset)
	}
	fmt.Fprintln(w)

	for _, id := range reportIDs(r) {
		outcome := r.Outcome(id)
		mark, ok := outcomeMarks[outcome]
		if !ok {
			mark = [2]string{" ", colorDim}
			outcome = "not reached"
		}
		fmt.Fprintf(w, "  %s%s #%-6d %-10s%s", mark[1], mark[0], id, outcome, colorReset)
		if ref := r.Artifacts[id]; ref != nil {
			fmt.Fprintf(w, " %s", ref)
		} else if branch := r.Branches[id]; branch != "" {
			fmt.Fprintf(w, " %sbranch %s%s", colorCyan, branch, colorReset)
		}
		if reason := r.Reasons[id]; reason != "" {
			fmt.Fprintf(w, " %s", reason)
		}
		fmt.Fprintln(w)
	}

	if len(r.Warnings) > 0 {
		fmt.Fprintf(w, "\n%sWarnings:%s\n", colorYellow+colorBold, colorReset)
		for _, warning := range r.Warnings {
			fmt.Fprintf(w, "  %s\n", warning)
		}
	}
	if runErr != nil {
		fmt.Fprintf(w, "\n%sAborted:%s %v\n", colorRed+colorBold, colorReset, runErr)
	}
	fmt.Fprintf(w, "\n%sQuota: %s%s\n", colorDim, r.Quota, colorReset)
}

func printReportJSON(w io.Writer, r *orchestrator.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
