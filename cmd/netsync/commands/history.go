package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/netsync/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit    int
		offset   int
		showDiff bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs",
		Long: `List recent runs, or show the device results of one run.

Run history is recorded by the sqlite store only.`,
		Example: `  # List the last 20 runs
  netsync history

  # Show one run with its diffs
  netsync history 3f6c2a7e-... --diff`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.history == nil {
				return fmt.Errorf("run history requires store type %q (configured: %q)", stores.TypeSQLite, a.inv.Store.Type)
			}

			if len(args) == 0 {
				runs, err := a.history.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, runs)
				}
				printRuns(out, runs)
				return nil
			}

			run, err := a.history.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			results, err := a.history.ListDeviceResults(ctx, run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out, map[string]interface{}{
					"run":     run,
					"results": results,
				})
			}
			printRun(out, run, results, showDiff)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	cmd.Flags().BoolVar(&showDiff, "diff", false, "print stored diffs")

	return cmd
}

func printRuns(out io.Writer, runs []*stores.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSCOPE\tSTATUS\tSTARTED\tDEVICES\tCHANGED\tFAILED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.Scope, r.Status, r.StartedAt.Local().Format(time.DateTime),
			r.Total, r.Changed, r.Failed, r.Duration.Round(time.Millisecond))
	}
	w.Flush()
}

func printRun(out io.Writer, run *stores.RunRecord, results []*stores.DeviceResultRecord, showDiff bool) {
	fmt.Fprintf(out, "Run %s (%s): %s\n", run.ID, run.Scope, run.Status)
	fmt.Fprintf(out, "Started %s, took %s\n\n", run.StartedAt.Local().Format(time.DateTime), run.Duration.Round(time.Millisecond))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tFAMILY\tOUTCOME\tMESSAGE")
	for _, r := range results {
		outcome := "unchanged"
		switch {
		case r.Failed:
			outcome = "failed: " + string(r.ErrorKind)
		case r.Changed:
			outcome = "changed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Device, r.Family, outcome, r.Message)
	}
	w.Flush()

	if !showDiff {
		return
	}
	for _, r := range results {
		if r.DiffText != "" {
			fmt.Fprintf(out, "\n%s:\n%s\n", r.Device, indentBlock(r.DiffText, "    "))
		}
	}
}
