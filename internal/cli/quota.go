package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/issueflow/internal/governor"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show the remaining API quota and the batch size it allows",
	RunE:  runQuota,
}

var quotaBatch int

func init() {
	quotaCmd.Flags().IntVarP(&quotaBatch, "batch", "n", 10, "Batch size to evaluate")
}

func runQuota(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.gov.Refresh(ctx); err != nil {
		return err
	}
	printQuota(cmd.OutOrStdout(), st.gov.Usage(), quotaBatch, st.gov.RecommendedBatchSize(quotaBatch))
	return nil
}

func printQuota(w io.Writer, u governor.Summary, requested, allowed int) {
	color := colorGreen
	switch {
	case allowed == 0:
		color = colorRed
	case allowed < requested:
		color = colorYellow
	}
	fmt.Fprintf(w, "%sQuota:%s %s%d%s/%d remaining (floor %d)\n", colorBold, colorReset, color, u.Remaining, colorReset, u.Limit, u.Floor)
	if !u.Reset.IsZero() {
		fmt.Fprintf(w, "  resets at %s (in %s)\n", u.Reset.Local().Format("15:04:05"), time.Until(u.Reset).Round(time.Second))
	}
	fmt.Fprintf(w, "  a batch of %d may run %s%d%s now\n", requested, color, allowed, colorReset)
}
