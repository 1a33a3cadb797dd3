package bulk

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadItems(t *testing.T) {
	items, err := ReadItems(strings.NewReader("a\n\n  b  \n# skipped\nc"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)
}

func TestExpandArgs(t *testing.T) {
	items, err := ExpandArgs([]string{"-"}, strings.NewReader("x\ny\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, items)

	items, err = ExpandArgs([]string{"a", "-"}, strings.NewReader("x\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "-"}, items)
}

func TestExecute_KeepsOrder(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	res := Execute(context.Background(), Operation{Jobs: 4}, items, func(_ context.Context, item string) (string, error) {
		return strings.ToUpper(item), nil
	})
	assert.Equal(t, 8, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F", "G", "H"}, res.Values)
	assert.Equal(t, 0, res.ExitCode())
}

func TestExecute_ContinueOnError(t *testing.T) {
	items := []string{"a", "b", "c"}
	res := Execute(context.Background(), Operation{Jobs: 1, ContinueOnError: true}, items, func(_ context.Context, item string) (int, error) {
		if item == "b" {
			return 0, errors.New("boom")
		}
		return 1, nil
	})
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "b", res.Errors[0].Item)
	assert.Equal(t, 5, res.ExitCode())

	var buf bytes.Buffer
	res.PrintSummary(&buf)
	assert.Contains(t, buf.String(), "b: boom")
}

func TestExecute_StopsOnFirstError(t *testing.T) {
	var calls atomic.Int32
	items := []string{"a", "b", "c", "d"}
	res := Execute(context.Background(), Operation{Jobs: 1}, items, func(_ context.Context, item string) (int, error) {
		calls.Add(1)
		return 0, errors.New("fail " + item)
	})
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 4, res.Failed)
	assert.Equal(t, 1, res.ExitCode())
}
