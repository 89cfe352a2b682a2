package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/anomalywatch/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var listRun string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List scan runs, or the anomaly intervals of one run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openDB(cmd.Context()); err != nil {
			return err
		}
		if listRun != "" {
			id, err := uuid.Parse(listRun)
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", listRun, err)
			}
			return runListIntervals(cmd.Context(), os.Stdout, id)
		}
		return runList(cmd.Context(), os.Stdout)
	},
}

func init() {
	listCmd.Flags().StringVar(&listRun, "run", "", "Show the anomaly intervals of this run id")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, out io.Writer) error {
	runs, err := DB.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No scan runs found in database.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tVIDEO\tMODEL\tTHRESHOLD\tFRAMES\tANOMALIES\tSTARTED\tSTATUS")
	fmt.Fprintln(w, "---\t-----\t-----\t---------\t------\t---------\t-------\t------")

	for _, r := range runs {
		status := "incomplete"
		if r.FinishedAt != nil {
			status = "done"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%d/%d\t%d\t%s\t%s\n",
			r.ID, r.Path, r.Model, r.Threshold, r.FramesScored, r.FramesTotal, r.Intervals,
			r.StartedAt.Local().Format("2006-01-02 15:04"), status)
	}
	return w.Flush()
}

func runListIntervals(ctx context.Context, out io.Writer, runID uuid.UUID) error {
	intervals, err := DB.GetRunIntervals(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get intervals: %w", err)
	}
	if len(intervals) == 0 {
		fmt.Fprintf(out, "No anomalies recorded for run %s.\n", runID)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tFRAMES\tPEAK HEAT\tPEAK FRAME")
	fmt.Fprintln(w, "-----\t---\t------\t---------\t----------")
	for _, iv := range intervals {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.0f\t%d\n", utils.FmtTime(iv.Start), utils.FmtTime(iv.End), iv.Frames, iv.PeakHeat, iv.PeakFrame)
	}
	return w.Flush()
}
