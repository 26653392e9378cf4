package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "workspaces", "runs", "run_logs", "scripts", "script_flags", "script_runs"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist", table)
	}

	version, err := SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, "003", version)
}

func TestMigrateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, Migrate(db, nil))

	var applied int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 4, applied)
	db.Close()

	// Reopening an existing file applies nothing new
	db, err = OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 4, applied)
}

func TestWorkspaceDeleteCascades(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO workspaces (id, name, path) VALUES ('w1', 'demo', '/tmp/demo')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO runs (id, workspace_id, run_type, started_at) VALUES ('r1', 'w1', 'build', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO run_logs (run_id, line, log_order) VALUES ('r1', 'hello', 0)`)
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM workspaces WHERE id = 'w1'`)
	require.NoError(t, err)

	var runs, logs int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&runs))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM run_logs").Scan(&logs))
	assert.Zero(t, runs)
	assert.Zero(t, logs)
}

func TestRunStatusDefaultsToRunning(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO workspaces (id, name, path) VALUES ('w1', 'demo', '/tmp/demo')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO runs (id, workspace_id, run_type, started_at) VALUES ('r1', 'w1', 'test', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	var status string
	require.NoError(t, db.QueryRow("SELECT status FROM runs WHERE id = 'r1'").Scan(&status))
	assert.Equal(t, "running", status)

	_, err = db.Exec(`INSERT INTO runs (id, workspace_id, run_type, started_at) VALUES ('r2', 'w1', 'lint', CURRENT_TIMESTAMP)`)
	assert.Error(t, err, "run_type is constrained")
}
