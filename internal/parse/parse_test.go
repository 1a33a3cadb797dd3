package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/matchq/internal/coverage"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{"json list", `[{"file": "a"}]`, FormatJSON, false},
		{"json map", `{"a": {"1": 1}}`, FormatJSON, false},
		{"yaml list", "- file: a\n  lines: []\n", FormatYAML, false},
		{"yaml map", "a.txt:\n  1: 1\n", FormatYAML, false},
		{"plain text", "just words", "", true},
		{"empty", "  \n", "", true},
		{"broken json", `{"a": `, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoverage_ListShape(t *testing.T) {
	input := `[{"file": "src/a.ts", "lines": [{"line": 3, "hits": 1}, {"line": 4, "hits": 0}]}]`
	got, err := Coverage([]byte(input), "")
	require.NoError(t, err)
	assert.Equal(t, []coverage.FileCoverage{{
		File:  "src/a.ts",
		Lines: []coverage.LineHits{{Line: 3, Hits: 1}, {Line: 4, Hits: 0}},
	}}, got)
}

func TestCoverage_MapShapeYAML(t *testing.T) {
	input := "b.go:\n  10: 0\n  2: 5\na.go:\n  1: 1\n"
	got, err := Coverage([]byte(input), "yaml")
	require.NoError(t, err)
	assert.Equal(t, []coverage.FileCoverage{
		{File: "a.go", Lines: []coverage.LineHits{{Line: 1, Hits: 1}}},
		{File: "b.go", Lines: []coverage.LineHits{{Line: 2, Hits: 5}, {Line: 10, Hits: 0}}},
	}, got)
}

func TestCoverage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		format string
	}{
		{"missing file", `[{"lines": []}]`, ""},
		{"fractional hits", `[{"file": "a", "lines": [{"line": 1, "hits": 1.5}]}]`, ""},
		{"bad line key", `{"a": {"x": 1}}`, ""},
		{"scalar document", `42`, "json"},
		{"unknown format", `[]`, "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Coverage([]byte(tt.input), tt.format)
			assert.Error(t, err)
		})
	}
}
