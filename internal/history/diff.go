package history

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineDiff computes a line-level diff from before to after, one line per
// output row prefixed with " ", "-", or "+". Returns "" when the inputs
// are equal, so callers can cheaply skip attaching an empty diff.
func LineDiff(before, after string) string {
	if before == after {
		return ""
	}

	dmp := diffmatchpatch.New()
	beforeRunes, afterRunes, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(beforeRunes, afterRunes, false), lines)

	var out []string
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffEqual:
		}
		for _, line := range splitLines(d.Text) {
			out = append(out, prefix+line)
		}
	}
	return strings.Join(out, "\n")
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
