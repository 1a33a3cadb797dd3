package render

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID    string `json:"id" yaml:"id"`
	State string `json:"state" yaml:"state"`
}

func sample() ([]row, []string, [][]string) {
	data := []row{{"R-00001", "done"}, {"R-00002", "failed"}}
	return data, []string{"ID", "STATE"}, [][]string{{"R-00001", "done"}, {"R-00002", "failed"}}
}

func TestRender_Formats(t *testing.T) {
	data, headers, rows := sample()
	tests := []struct {
		format Format
		want   string
	}{
		{FormatTable, "ID       STATE\n-------  ------\nR-00001  done\nR-00002  failed\n"},
		{FormatTSV, "ID\tSTATE\nR-00001\tdone\nR-00002\tfailed\n"},
		{FormatNDJSON, "{\"id\":\"R-00001\",\"state\":\"done\"}\n{\"id\":\"R-00002\",\"state\":\"failed\"}\n"},
		{FormatYAML, "- id: R-00001\n  state: done\n- id: R-00002\n  state: failed\n"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewRenderer(&buf, Options{Format: tt.format}).Render(data, headers, rows))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestRender_JSON(t *testing.T) {
	data, headers, rows := sample()
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, Options{Format: FormatJSON, Porcelain: true}).Render(data, headers, rows))
	assert.JSONEq(t, `[{"id":"R-00001","state":"done"},{"id":"R-00002","state":"failed"}]`, buf.String())
}

func TestRenderNDJSON_SingleObject(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, Options{}).RenderNDJSON(row{"R-00003", "running"}))
	assert.Equal(t, "{\"id\":\"R-00003\",\"state\":\"running\"}\n", buf.String())
}

func TestRenderTable_EmptyWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, Options{}).RenderTable([]string{"A"}, nil))
	assert.Empty(t, buf.String())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatTable, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
