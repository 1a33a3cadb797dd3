package merge

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Section is a changed line range, 1-based and inclusive, in the
// coordinates of the first text passed to DiffSections.
type Section struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// DiffSections returns the ranges of a that differ from b. Line endings are
// normalized before comparing. A pure insertion is reported on the line
// preceding the insertion point, clamped to the first line.
func DiffSections(a, b string) []Section {
	left := splitLines(NormalizeLineEndings(a))
	right := splitLines(NormalizeLineEndings(b))

	matcher := difflib.NewMatcherWithJunk(left, right, false, nil)
	var sections []Section
	for _, op := range matcher.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		if op.I1 == op.I2 {
			line := max(op.I1, 1)
			sections = append(sections, Section{Start: line, End: line})
			continue
		}
		sections = append(sections, Section{Start: op.I1 + 1, End: op.I2})
	}
	return sections
}

// NormalizeLineEndings rewrites "\r\n" and lone "\r" to "\n".
func NormalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// UnifiedDiff renders a unified diff from one text to another.
func UnifiedDiff(from, to, fromName, toName string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}
