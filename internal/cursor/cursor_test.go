package cursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	c, err := New([]string{"started_at"}, []any{"2026-01-02T03:04:05.000Z"}, "R-00007")
	require.NoError(t, err)

	encoded, err := c.Encode()
	require.NoError(t, err)
	assert.NotContains(t, encoded, "=")

	decoded, err := Decode(encoded, []string{"started_at"})
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestDecodeRejects(t *testing.T) {
	c, err := New([]string{"started_at"}, []any{"x"}, "R-00001")
	require.NoError(t, err)
	encoded, err := c.Encode()
	require.NoError(t, err)

	tests := []struct {
		name    string
		encoded string
		fields  []string
	}{
		{"empty", "", []string{"started_at"}},
		{"not base64", "!!!", []string{"started_at"}},
		{"not json", "bm90IGpzb24", []string{"started_at"}},
		{"other listing", encoded, []string{"created_at"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.encoded, tt.fields)
			assert.Error(t, err)
		})
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New([]string{"a", "b"}, []any{1}, "R-00001")
	assert.Error(t, err)
	_, err = New([]string{"a"}, []any{1}, "")
	assert.Error(t, err)
}

func TestWhere(t *testing.T) {
	c, err := New([]string{"started_at"}, []any{"T"}, "R-00003")
	require.NoError(t, err)
	where, params := c.Where()
	assert.Equal(t, "((started_at < ?) OR (started_at = ? AND id < ?))", where)
	assert.Equal(t, []any{"T", "T", "R-00003"}, params)

	c, err = New([]string{"a", "b"}, []any{1, 2}, "X")
	require.NoError(t, err)
	where, params = c.Where()
	assert.Equal(t, "((a < ?) OR (a = ? AND b < ?) OR (a = ? AND b = ? AND id < ?))", where)
	assert.Equal(t, []any{1, 1, 2, 1, 2, "X"}, params)
}
