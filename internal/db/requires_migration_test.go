package db_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/matchq/internal/db"
)

func open(t *testing.T) (*db.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database, dbPath
}

func TestRequiresMigrationError_FreshDB(t *testing.T) {
	database, dbPath := open(t)

	err := database.RequiresMigrationError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version: none")
	assert.Contains(t, err.Error(), dbPath)
	assert.Contains(t, err.Error(), "matchqd --migrate")
}

func TestRequiresMigrationError_FullyMigrated(t *testing.T) {
	database, _ := open(t)

	applied, err := database.MigrateWithInfo()
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.sql"}, applied)
	assert.NoError(t, database.RequiresMigrationError())

	// second run is a no-op
	applied, err = database.MigrateWithInfo()
	require.NoError(t, err)
	assert.Empty(t, applied)

	done, pending, err := database.MigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.sql"}, done)
	assert.Empty(t, pending)
}

func TestMigrationStatus_NoTable(t *testing.T) {
	database, _ := open(t)

	applied, pending, err := database.MigrationStatus()
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, []string{"0001_init.sql"}, pending)
}

func TestOpen_AppliesConnectionPragmas(t *testing.T) {
	database, _ := open(t)

	var fk int
	require.NoError(t, database.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var mode string
	require.NoError(t, database.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}
