package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatRun(t *testing.T) {
	tests := []struct {
		seq  int
		want string
	}{
		{1, "R-00001"},
		{12345, "R-12345"},
		{123456, "R-123456"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatRun(tt.seq))
	}
}

func TestParseRun(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "R-00001", want: 1},
		{in: " r-00042 ", want: 42},
		{in: "R-123456", want: 123456},
		{in: "R-1", wantErr: true},
		{in: "T-00001", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRun(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, IsFriendlyID(tt.in))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, IsFriendlyID(tt.in))
		})
	}
}

func TestUUID(t *testing.T) {
	u := NewUUID()
	assert.True(t, IsUUID(u))
	assert.NotEqual(t, u, NewUUID())
	assert.False(t, IsUUID("R-00001"))
	assert.False(t, IsUUID("not-a-uuid"))
}
