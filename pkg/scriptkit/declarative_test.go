package scriptkit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/matchq/pkg/protocol"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDeclarativeLoader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "rename_foo.yaml"), "pattern: 'foo'\nreplace: 'bar'\n")
	writeFile(t, filepath.Join(dir, "broken.yaml"), "pattern: '('\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	factories, failures := DeclarativeLoader(dir)

	assert.Contains(t, factories, "rename-foo")
	assert.Len(t, factories, 1)
	assert.Contains(t, failures, filepath.Join(dir, "broken.yaml"))
}

func TestDeclarativeLoader_MissingDir(t *testing.T) {
	factories, failures := DeclarativeLoader(filepath.Join(t.TempDir(), "absent"))
	assert.Empty(t, factories)
	assert.Empty(t, failures)
}

func TestRegexMigration_OneMatchPerOccurrence(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.go"), "foo(1)\nkeep\nfoo(2)\n")
	writeFile(t, filepath.Join(root, "vendor", "v.go"), "foo(3)\n")
	writeFile(t, filepath.Join(root, "b.txt"), "foo(4)\n")

	m, err := NewRegexMigration(Spec{
		Name:    "rename",
		Root:    root,
		Files:   []string{"**/*.go"},
		Exclude: []string{"vendor/**"},
		Pattern: `foo\((\d)\)`,
		Replace: `bar($1)`,
	})
	require.NoError(t, err)

	files, err := m.MatchedFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(root, "a.go"), files[0].Path)
	require.Len(t, files[0].Matches, 2)
	assert.Equal(t, "bar(1)\nkeep\nfoo(2)\n", files[0].Matches[0].ModifiedContent)
	assert.Equal(t, "foo(1)\nkeep\nbar(2)\n", files[0].Matches[1].ModifiedContent)
	assert.Equal(t, "a.go:3 foo(2)", files[0].Matches[1].Label)
}

func TestRegexMigration_LiteralFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pkg", "a.go"), "foo(1)\n")
	writeFile(t, filepath.Join(root, "pkg", "b.go"), "foo(2)\n")

	m, err := NewRegexMigration(Spec{
		Name:    "rename",
		Root:    root,
		Files:   []string{"pkg/b.go", "pkg/missing.go"},
		Pattern: `foo\((\d)\)`,
		Replace: `bar($1)`,
	})
	require.NoError(t, err)

	files, err := m.MatchedFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(root, "pkg", "b.go"), files[0].Path)
	assert.Equal(t, "bar(2)\n", files[0].Matches[0].ModifiedContent)
}

func TestRegexMigration_CommitMessage(t *testing.T) {
	root := t.TempDir()
	m, err := NewRegexMigration(Spec{Name: "rename", Root: root, Pattern: "x", CommitMessage: "{name}: {file} ({label})"})
	require.NoError(t, err)

	msg, err := m.CommitMessage(context.Background(), protocol.CommitInfo{FilePath: filepath.Join(root, "pkg", "a.go"), MatchLabel: "L"})
	require.NoError(t, err)
	assert.Equal(t, "rename: pkg/a.go (L)", msg)

	m.spec.CommitMessage = ""
	msg, err = m.CommitMessage(context.Background(), protocol.CommitInfo{})
	require.NoError(t, err)
	assert.Empty(t, msg)
}
