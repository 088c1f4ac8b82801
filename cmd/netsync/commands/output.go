package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openfroyo/netsync/pkg/engine"
)

// progressPrinter prints one line per finished device.
func progressPrinter(out io.Writer) engine.ProgressFunc {
	return func(done, total int, r *engine.Result) {
		fmt.Fprintf(out, "[%d/%d] %s %s\n", done, total, outcomeMark(r), r.Device)
	}
}

func outcomeMark(r *engine.Result) string {
	switch {
	case r.Failed:
		return "✗"
	case r.Changed:
		return "~"
	default:
		return "✓"
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReport prints the run report. Diffs are included when showDiff is set.
func printReport(out io.Writer, report *engine.Report, showDiff bool) error {
	if jsonOutput {
		return printJSON(out, report)
	}

	fmt.Fprintf(out, "\nRun %s (%s): %s\n\n", report.RunID, report.Scope, report.Status)

	for _, r := range report.Results {
		line := fmt.Sprintf("%s %-24s %-18s", outcomeMark(r), r.Device, r.Family)
		if r.Failed {
			line += fmt.Sprintf(" [%s] %s", r.ErrorKind, r.Message)
		} else if r.Message != "" {
			line += " " + r.Message
		}
		fmt.Fprintln(out, strings.TrimRight(line, " "))

		if showDiff && r.DiffText != "" {
			fmt.Fprintln(out, indentBlock(r.DiffText, "    "))
		}
	}

	s := report.Summary
	fmt.Fprintf(out, "\n%d devices: %d changed, %d unchanged, %d failed (%s)\n",
		s.Total, s.Changed, s.Unchanged, s.Failed, report.Duration.Round(time.Millisecond))
	return nil
}

func indentBlock(text, pad string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, l := range lines {
		lines[i] = pad + l
	}
	return strings.Join(lines, "\n")
}
