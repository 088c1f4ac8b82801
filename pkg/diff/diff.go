// Package diff compares stored and designed device configurations.
package diff

import (
	"github.com/pmezard/go-difflib/difflib"
)

const (
	// FromLabel labels the stored side of a diff.
	FromLabel = "running-config"

	// ToLabel labels the designed side of a diff.
	ToLabel = "designed-config"

	// contextLines is the number of unchanged lines shown around each hunk.
	contextLines = 3
)

// Result is the outcome of comparing two configuration texts.
type Result struct {
	// Changed is true iff the texts differ in at least one line.
	Changed bool

	// Text is the unified diff, empty when Changed is false.
	Text string
}

// Compute returns the unified line diff from stored to designed.
//
// An empty stored text is a first run and compares as changed against any
// non-empty design. Compute does no I/O and is deterministic.
func Compute(stored, designed string) Result {
	if stored == designed {
		return Result{}
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(stored),
		B:        difflib.SplitLines(designed),
		FromFile: FromLabel,
		ToFile:   ToLabel,
		Context:  contextLines,
	})
	if err != nil {
		// bytes.Buffer writes do not fail.
		panic(err)
	}

	return Result{Changed: text != "", Text: text}
}
