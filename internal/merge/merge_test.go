package merge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreeWay_ProposalOnUntouchedBase(t *testing.T) {
	got, err := Merger{}.ThreeWay("A\nB\nC\n", "A\nB\nC\n", "A\nX\nC\n")
	require.NoError(t, err)
	assert.Equal(t, "A\nX\nC\n", got)
}

func TestThreeWay_ConcurrentEditsOnDifferentLines(t *testing.T) {
	got, err := Merger{}.ThreeWay("A\nB\nC\n", "Z\nB\nC\n", "A\nB\nY\n")
	require.NoError(t, err)
	assert.Equal(t, "Z\nB\nY\n", got)
}

func TestThreeWay_Idempotent(t *testing.T) {
	base := "one\ntwo\nthree\n"
	edited := "one\n2\nthree\nfour\n"

	got, err := Merger{}.ThreeWay(base, edited, edited)
	require.NoError(t, err)
	assert.Equal(t, edited, got)

	got, err = Merger{}.NWay(base, edited, edited, edited)
	require.NoError(t, err)
	assert.Equal(t, edited, got)
}

func TestThreeWay_KeepsCurrentWhenIncomingIsBase(t *testing.T) {
	got, err := Merger{}.ThreeWay("A\n", "B\n", "A\n")
	require.NoError(t, err)
	assert.Equal(t, "B\n", got)
}

func TestThreeWay_SameLineRefinedByCharacter(t *testing.T) {
	got, err := Merger{}.ThreeWay("foo(a, b)\n", "foo(x, b)\n", "foo(a, y)\n")
	require.NoError(t, err)
	assert.Equal(t, "foo(x, y)\n", got)
}

func TestThreeWay_RefinementKeepsRawBytes(t *testing.T) {
	// Latin-1 bytes are not valid UTF-8
	got, err := Merger{}.ThreeWay("a\xe9b\xe9c\n", "X\xe9b\xe9c\n", "a\xe9b\xe9Y\n")
	require.NoError(t, err)
	assert.Equal(t, "X\xe9b\xe9Y\n", got)

	got, err = Merger{}.ThreeWay("héllo wörld\n", "Héllo wörld\n", "héllo wörld!\n")
	require.NoError(t, err)
	assert.Equal(t, "Héllo wörld!\n", got)
}

func TestThreeWay_IdenticalInsertionsCollapse(t *testing.T) {
	got, err := Merger{}.ThreeWay("A\nC\n", "A\nB\nC\n", "A\nB\nC\nD\n")
	require.NoError(t, err)
	assert.Equal(t, "A\nB\nC\nD\n", got)
}

func TestThreeWay_ConflictPolicy(t *testing.T) {
	got, err := Merger{Policy: PreferIncoming}.ThreeWay("v=1\n", "v=2\n", "v=3\n")
	require.NoError(t, err)
	assert.Equal(t, "v=3\n", got)

	_, err = Merger{Policy: FailOnConflict}.ThreeWay("v=1\n", "v=2\n", "v=3\n")
	assert.True(t, errors.Is(err, ErrConflict))

	_, err = Merger{Policy: FailOnConflict}.NWay("v=1\n", "v=1\n", "v=2\n", "v=3\n")
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestNWay_FoldsEveryProposal(t *testing.T) {
	base := "A\nB\nC\nD\n"
	got, err := Merger{}.NWay(base, base, "X\nB\nC\nD\n", "A\nB\nC\nY\n")
	require.NoError(t, err)
	assert.Equal(t, "X\nB\nC\nY\n", got)
}

func TestNWay_NoProposalsReturnsCurrent(t *testing.T) {
	got, err := Merger{}.NWay("A\n", "B\n")
	require.NoError(t, err)
	assert.Equal(t, "B\n", got)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("fail")
	require.NoError(t, err)
	assert.Equal(t, FailOnConflict, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PreferIncoming, p)

	_, err = ParsePolicy("ours")
	assert.Error(t, err)
}

func TestDiffSections(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want []Section
	}{
		{"replace", "A\nB\nC\n", "A\nX\nC\n", []Section{{2, 2}}},
		{"identical", "A\nB\n", "A\nB\n", nil},
		{"line endings only", "A\r\nB\r\n", "A\nB\n", nil},
		{"insertion", "A\nB\n", "A\nNEW\nB\n", []Section{{1, 1}}},
		{"insertion at top", "A\n", "Z\nA\n", []Section{{1, 1}}},
		{"deletion", "A\nB\nC\n", "A\n", []Section{{2, 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DiffSections(tt.a, tt.b))
		})
	}
}

func TestUnifiedDiff(t *testing.T) {
	out, err := UnifiedDiff("A\nB\n", "A\nC\n", "current", "merged")
	require.NoError(t, err)
	assert.Contains(t, out, "--- current")
	assert.Contains(t, out, "+++ merged")
	assert.Contains(t, out, "-B")
	assert.Contains(t, out, "+C")
}
