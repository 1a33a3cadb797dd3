package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldCwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(oldCwd) })
}

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, v := range []string{
		"MATCHQ_ROOT", "MATCHQ_DB_PATH", "MATCHQ_DB_PATH_FILE", "MATCHQ_ADDR", "MATCHQ_TOKEN",
		"MATCHQ_TOKEN_FILE", "MATCHQ_SCRIPT", "MATCHQ_MIGRATIONS_DIR", "MATCHQ_STAGE_ALL",
		"MATCHQ_CONFLICTS", "MATCHQ_LOG_LEVEL", "MATCHQ_OUTPUT",
	} {
		t.Setenv(v, "")
	}
	return home
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	chdir(t, root)

	cfg, err := Load()
	require.NoError(t, err)

	wantRoot, _ := filepath.EvalSymlinks(root)
	gotRoot, _ := filepath.EvalSymlinks(cfg.Root)
	assert.Equal(t, wantRoot, gotRoot)
	assert.Equal(t, filepath.Join(cfg.Root, ".matchq", "matchq.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(cfg.Root, ".matchq", "migrations"), cfg.MigrationsDir)
	assert.Equal(t, []string{"matchq-script"}, cfg.ScriptCommand)
	assert.Equal(t, "prefer-incoming", cfg.Conflicts)
	assert.Equal(t, "http://127.0.0.1:7317", cfg.ServerURL())
}

func TestLoad_Precedence(t *testing.T) {
	home := isolate(t)
	root := t.TempDir()
	chdir(t, root)

	require.NoError(t, os.MkdirAll(filepath.Join(home, ".config", "matchq"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".config", "matchq", "config.yaml"),
		[]byte("log_level: warn\noutput: json\naddr: 127.0.0.1:9000\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".matchq"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".matchq", "config.yaml"),
		[]byte("output: yaml\nstage_all: true\nscript_command: [go, run, ./migrations]\n"), 0o644))
	t.Setenv("MATCHQ_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "yaml", cfg.Output)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.True(t, cfg.StageAll)
	assert.Equal(t, []string{"go", "run", "./migrations"}, cfg.ScriptCommand)
}

func TestLoad_TokenFromFile(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	chdir(t, root)
	tokenFile := filepath.Join(root, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("s3cret\n"), 0o600))
	t.Setenv("MATCHQ_TOKEN_FILE", tokenFile)
	t.Setenv("MATCHQ_SCRIPT", "node  migrate.js")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Token)
	assert.Equal(t, []string{"node", "migrate.js"}, cfg.ScriptCommand)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	isolate(t)
	chdir(t, t.TempDir())
	t.Setenv("MATCHQ_CONFLICTS", "merge-harder")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Conflicts")
}

func TestFindEnvLocal_ClosestWins(t *testing.T) {
	tmpDir := t.TempDir()
	parentDir := filepath.Join(tmpDir, "parent")
	childDir := filepath.Join(parentDir, "child")
	require.NoError(t, os.MkdirAll(childDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ".env.local"), []byte("TEST=grandparent"), 0o644))
	parentEnvPath := filepath.Join(parentDir, ".env.local")
	require.NoError(t, os.WriteFile(parentEnvPath, []byte("TEST=parent"), 0o644))
	chdir(t, childDir)

	result := findEnvLocal()
	// macOS /var -> /private/var
	expected, _ := filepath.EvalSymlinks(parentEnvPath)
	got, _ := filepath.EvalSymlinks(result)
	assert.Equal(t, expected, got)
}

func TestFindEnvLocal_NotFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())
	assert.Empty(t, findEnvLocal())
}
