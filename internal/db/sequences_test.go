package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMigrated(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())
	return database
}

func TestRunIDTrigger(t *testing.T) {
	database := openMigrated(t)

	for _, uuid := range []string{"run-a", "run-b"} {
		_, err := database.Exec(`INSERT INTO apply_runs (uuid, migration, status, phase) VALUES (?, 'm', 'running', 'requested')`, uuid)
		require.NoError(t, err)
	}

	var a, b string
	require.NoError(t, database.QueryRow(`SELECT id FROM apply_runs WHERE uuid = 'run-a'`).Scan(&a))
	require.NoError(t, database.QueryRow(`SELECT id FROM apply_runs WHERE uuid = 'run-b'`).Scan(&b))
	assert.Equal(t, "R-00001", a)
	assert.Equal(t, "R-00002", b)
}

func TestSequenceDriftDetectAndFix(t *testing.T) {
	database := openMigrated(t)

	// explicit friendly ID skips the trigger
	_, err := database.Exec(`INSERT INTO apply_runs (uuid, id, migration, status, phase) VALUES ('run-x', 'R-00042', 'm', 'done', 'done')`)
	require.NoError(t, err)

	drifts, err := SequenceDrifts(database, DefaultSequenceSpecs())
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, "run_seq", drifts[0].SeqTable)
	assert.Equal(t, 42, drifts[0].MaxID)
	assert.Equal(t, 0, drifts[0].SeqValue)

	fixed, err := FixSequenceDrifts(database, DefaultSequenceSpecs())
	require.NoError(t, err)
	assert.Len(t, fixed, 1)

	var seq int
	require.NoError(t, database.QueryRow(`SELECT seq FROM sqlite_sequence WHERE name = 'run_seq'`).Scan(&seq))
	assert.Equal(t, 42, seq)

	_, err = database.Exec(`INSERT INTO apply_runs (uuid, migration, status, phase) VALUES ('run-y', 'm', 'running', 'requested')`)
	require.NoError(t, err)
	var id string
	require.NoError(t, database.QueryRow(`SELECT id FROM apply_runs WHERE uuid = 'run-y'`).Scan(&id))
	assert.Equal(t, "R-00043", id)

	drifts, err = SequenceDrifts(database, DefaultSequenceSpecs())
	require.NoError(t, err)
	assert.Empty(t, drifts)
}
