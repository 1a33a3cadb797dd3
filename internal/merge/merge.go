// Package merge reconciles concurrent edits to the same text.
//
// A three-way merge compares two descendants against their common base
// line by line. Regions changed by only one side are taken from that
// side; regions changed identically by both are taken once; regions
// changed differently by both are refined character by character before
// the conflict policy decides.
package merge

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// ErrConflict is returned by a Merger using FailOnConflict when both sides
// changed the same characters differently.
var ErrConflict = errors.New("merge conflict")

// Policy decides the outcome of a region both sides changed differently.
type Policy int

const (
	// PreferIncoming keeps the incoming side of an unresolvable region.
	PreferIncoming Policy = iota
	// FailOnConflict aborts the merge with ErrConflict.
	FailOnConflict
)

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "prefer-incoming":
		return PreferIncoming, nil
	case "fail":
		return FailOnConflict, nil
	default:
		return PreferIncoming, fmt.Errorf("unknown conflict policy %q", s)
	}
}

func (p Policy) String() string {
	if p == FailOnConflict {
		return "fail"
	}
	return "prefer-incoming"
}

// Merger performs line-level three-way merges.
type Merger struct {
	Policy Policy
}

// ThreeWay merges current and incoming, both derived from base.
func (m Merger) ThreeWay(base, current, incoming string) (string, error) {
	if current == incoming || incoming == base {
		return current, nil
	}
	if current == base {
		return incoming, nil
	}

	out, err := m.merge(splitLines(base), splitLines(current), splitLines(incoming), true)
	if err != nil {
		return "", err
	}
	return strings.Join(out, ""), nil
}

// NWay folds every incoming version into current, one three-way merge at a
// time, always against the same base.
func (m Merger) NWay(base, current string, incoming ...string) (string, error) {
	acc := current
	for i, next := range incoming {
		merged, err := m.ThreeWay(base, acc, next)
		if err != nil {
			return "", fmt.Errorf("merging version %d: %w", i+1, err)
		}
		acc = merged
	}
	return acc, nil
}

// hunk is a changed region of base [oStart, oEnd) replaced by side[xStart, xEnd).
type hunk struct {
	side         int
	oStart, oEnd int
	xStart, xEnd int
}

const (
	sideCurrent = iota
	sideIncoming
)

func (m Merger) merge(base, current, incoming []string, refine bool) ([]string, error) {
	hunks := append(diffHunks(base, current, sideCurrent), diffHunks(base, incoming, sideIncoming)...)
	sortHunks(hunks)

	sides := [2][]string{current, incoming}
	var out []string
	pos := 0

	for i := 0; i < len(hunks); {
		cs, ce := hunks[i].oStart, hunks[i].oEnd
		j := i + 1
		for j < len(hunks) && overlaps(hunks[j].oStart, hunks[j].oEnd, cs, ce) {
			if hunks[j].oEnd > ce {
				ce = hunks[j].oEnd
			}
			j++
		}
		cluster := hunks[i:j]
		i = j

		out = append(out, base[pos:cs]...)
		pos = ce

		var texts [2][]string
		var touched [2]bool
		for _, h := range cluster {
			touched[h.side] = true
		}
		for side := range texts {
			texts[side] = regionText(base, sides[side], cluster, side, cs, ce)
		}

		switch {
		case !touched[sideIncoming]:
			out = append(out, texts[sideCurrent]...)
		case !touched[sideCurrent]:
			out = append(out, texts[sideIncoming]...)
		case slices.Equal(texts[sideCurrent], texts[sideIncoming]):
			out = append(out, texts[sideCurrent]...)
		default:
			resolved, err := m.resolve(base[cs:ce], texts[sideCurrent], texts[sideIncoming], refine)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved...)
		}
	}

	return append(out, base[pos:]...), nil
}

// resolve handles a region both sides rewrote differently. Line regions are
// retried at character granularity; a character-level collision falls to
// the policy.
func (m Merger) resolve(base, current, incoming []string, refine bool) ([]string, error) {
	if refine {
		chars, err := m.merge(splitRunes(strings.Join(base, "")), splitRunes(strings.Join(current, "")), splitRunes(strings.Join(incoming, "")), false)
		if err != nil {
			return nil, err
		}
		return []string{strings.Join(chars, "")}, nil
	}
	if m.Policy == FailOnConflict {
		return nil, ErrConflict
	}
	return incoming, nil
}

// regionText rebuilds what the given side holds over base[cs:ce).
func regionText(base, side []string, cluster []hunk, which, cs, ce int) []string {
	var out []string
	pos := cs
	for _, h := range cluster {
		if h.side != which {
			continue
		}
		out = append(out, base[pos:h.oStart]...)
		out = append(out, side[h.xStart:h.xEnd]...)
		pos = h.oEnd
	}
	return append(out, base[pos:ce]...)
}

// overlaps reports whether base range [s, e) collides with the cluster
// range [cs, ce). Empty ranges are insertion points: two insertions at the
// same point collide, and an insertion collides with a range strictly
// containing it.
func overlaps(s, e, cs, ce int) bool {
	switch {
	case s == e && cs == ce:
		return s == cs
	case s == e:
		return cs < s && s < ce
	case cs == ce:
		return s < cs && cs < e
	default:
		return s < ce && cs < e
	}
}

func diffHunks(base, side []string, which int) []hunk {
	matcher := difflib.NewMatcherWithJunk(base, side, false, nil)
	var hunks []hunk
	for _, op := range matcher.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		hunks = append(hunks, hunk{side: which, oStart: op.I1, oEnd: op.I2, xStart: op.J1, xEnd: op.J2})
	}
	return hunks
}

func sortHunks(hunks []hunk) {
	sort.SliceStable(hunks, func(i, j int) bool { return lessHunk(hunks[i], hunks[j]) })
}

func lessHunk(a, b hunk) bool {
	if a.oStart != b.oStart {
		return a.oStart < b.oStart
	}
	if a.oEnd != b.oEnd {
		return a.oEnd < b.oEnd
	}
	return a.side < b.side
}

// splitLines splits after each "\n", keeping terminators. Unlike
// difflib.SplitLines it does not invent a trailing newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// splitRunes splits s into its runes as byte slices of s, so invalid UTF-8
// bytes survive as themselves.
func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for i := 0; i < len(s); {
		_, w := utf8.DecodeRuneInString(s[i:])
		out = append(out, s[i:i+w])
		i += w
	}
	return out
}
