// Package parse reads coverage reports handed to the daemon.
package parse

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lherron/matchq/internal/coverage"
)

// Format represents supported input formats
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat attempts to determine the format of the input data
// Returns an error if the format cannot be reliably determined
func DetectFormat(data []byte) (Format, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return "", fmt.Errorf("empty coverage report")
	}

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var js json.RawMessage
		if err := json.Unmarshal(data, &js); err == nil {
			return FormatJSON, nil
		}
		// flow-style YAML also starts with a bracket
		var y any
		if err := yaml.Unmarshal(data, &y); err == nil {
			return FormatYAML, nil
		}
		return "", fmt.Errorf("input appears to be JSON but is invalid")
	}

	// YAML parser is very permissive; only structured documents count
	var y any
	if err := yaml.Unmarshal(data, &y); err == nil {
		switch y.(type) {
		case map[string]any, []any:
			return FormatYAML, nil
		}
	}
	return "", fmt.Errorf("unable to detect coverage report format (expected JSON or YAML)")
}

// Coverage parses a report in either of two shapes:
//
//	[{"file": "src/a.ts", "lines": [{"line": 3, "hits": 1}]}]
//	{"src/a.ts": {"3": 1, "4": 0}}
//
// An empty format is detected from the data.
func Coverage(data []byte, format string) ([]coverage.FileCoverage, error) {
	f := Format(strings.ToLower(format))
	if f == "" || f == "yml" {
		detected, err := DetectFormat(data)
		if err != nil {
			return nil, err
		}
		f = detected
	}

	var doc any
	switch f {
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format: %s (want json or yaml)", format)
	}

	switch v := doc.(type) {
	case []any:
		return fromList(v)
	case map[string]any:
		return fromMap(v)
	default:
		return nil, fmt.Errorf("coverage report must be a list of files or a map of file to lines")
	}
}

func fromList(items []any) ([]coverage.FileCoverage, error) {
	out := make([]coverage.FileCoverage, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d: expected an object", i)
		}
		file, _ := m["file"].(string)
		if file == "" {
			return nil, fmt.Errorf("entry %d: missing file", i)
		}
		fc := coverage.FileCoverage{File: file}
		lines, _ := m["lines"].([]any)
		for j, l := range lines {
			lm, ok := l.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: line entry %d: expected an object", file, j)
			}
			line, err := toInt(lm["line"])
			if err != nil {
				return nil, fmt.Errorf("%s: line entry %d: %w", file, j, err)
			}
			hits, err := toInt(lm["hits"])
			if err != nil {
				return nil, fmt.Errorf("%s: line %d hits: %w", file, line, err)
			}
			fc.Lines = append(fc.Lines, coverage.LineHits{Line: line, Hits: hits})
		}
		out = append(out, fc)
	}
	return out, nil
}

func fromMap(files map[string]any) ([]coverage.FileCoverage, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]coverage.FileCoverage, 0, len(files))
	for _, name := range names {
		lines, ok := files[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: expected a map of line to hits", name)
		}
		fc := coverage.FileCoverage{File: name}
		for k, v := range lines {
			line, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid line number %q", name, k)
			}
			hits, err := toInt(v)
			if err != nil {
				return nil, fmt.Errorf("%s: line %d hits: %w", name, line, err)
			}
			fc.Lines = append(fc.Lines, coverage.LineHits{Line: line, Hits: hits})
		}
		sort.Slice(fc.Lines, func(i, j int) bool { return fc.Lines[i].Line < fc.Lines[j].Line })
		out = append(out, fc)
	}
	return out, nil
}

// toInt accepts JSON numbers (float64) and YAML ints.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	case nil:
		return 0, fmt.Errorf("missing value")
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
