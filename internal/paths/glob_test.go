package paths

import "testing"

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"exact file", "main.go", "main.go", true},
		{"extension", "*.go", "main.go", true},
		{"extension no match", "*.go", "main.ts", false},
		{"star does not cross dirs", "*.go", "cmd/main.go", false},
		{"question mark", "file?.go", "file1.go", true},
		{"question mark too long", "file?.go", "file12.go", false},
		{"nested exact", "internal/cli/root.go", "internal/cli/root.go", true},
		{"double star prefix", "**/*.go", "internal/cli/root.go", true},
		{"double star zero segments", "**/*.go", "main.go", true},
		{"double star middle", "internal/**/root.go", "internal/cli/root.go", true},
		{"double star middle no match", "internal/**/root.go", "cmd/cli/root.go", false},
		{"double star suffix", "vendor/**", "vendor/github.com/x/y.go", true},
		{"multiple double stars", "a/**/c/**/e", "a/b/c/d/e", true},
		{"just double star", "**", "a/b/c", true},
		{"just double star empty", "**", "", true},
		{"empty pattern and path", "", "", true},
		{"empty path with pattern", "a", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchGlob(tt.pattern, tt.path)
			if got != tt.want {
				t.Errorf("MatchGlob(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"**/*.go", "docs/*.md"}
	if !MatchAny(patterns, "docs/a.md") {
		t.Error("expected docs/a.md to match")
	}
	if MatchAny(patterns, "docs/nested/a.md") {
		t.Error("expected docs/nested/a.md not to match")
	}
	if MatchAny(nil, "main.go") {
		t.Error("expected no match without patterns")
	}
}

func TestIsGlobPattern(t *testing.T) {
	for input, want := range map[string]bool{
		"*.go":           true,
		"file?.go":       true,
		"file[1-3].go":   true,
		"**/main.go":     true,
		"internal/paths": false,
		"":               false,
	} {
		if got := IsGlobPattern(input); got != want {
			t.Errorf("IsGlobPattern(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestRel(t *testing.T) {
	if got := Rel("/repo", "/repo/internal/a.go"); got != "internal/a.go" {
		t.Errorf("Rel inside root = %q", got)
	}
	if got := Rel("/repo", "/other/a.go"); got != "/other/a.go" {
		t.Errorf("Rel outside root = %q", got)
	}
}

func BenchmarkMatchGlob(b *testing.B) {
	for i := 0; i < b.N; i++ {
		MatchGlob("internal/**/cli/**/*.go", "internal/a/b/cli/c/d/root.go")
	}
}
