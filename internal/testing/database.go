package testing

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/kiln/db"
)

// CreateTestDB creates a migrated SQLite database in a temp directory.
// A file is used instead of :memory: so concurrent run goroutines share it.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "kiln_test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}

// SeedWorkspace inserts a workspace row rooted at path and returns its id
func SeedWorkspace(t *testing.T, database *sql.DB, path string) string {
	t.Helper()

	id := uuid.NewString()
	_, err := database.Exec(
		`INSERT INTO workspaces (id, name, path, created_at) VALUES (?, ?, ?, ?)`,
		id, filepath.Base(path), path, time.Now().UTC(),
	)
	if err != nil {
		t.Fatalf("Failed to seed workspace: %v", err)
	}
	return id
}
