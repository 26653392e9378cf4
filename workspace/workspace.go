// Package workspace registers project directories. A workspace owns its
// runs and scripts; deleting it removes them too.
package workspace

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/teranos/kiln/errors"
)

// Workspace is a registered project root
type Workspace struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Path      string    `json:"path" yaml:"path"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// Store persists workspaces
type Store struct {
	db *sql.DB
}

// NewStore creates a workspace store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create registers dir as a workspace. dir must be an existing directory;
// it is stored as an absolute path. An empty name defaults to the directory name.
func (s *Store) Create(ctx context.Context, name, dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid workspace path %q", dir), errors.ErrValidation)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, errors.NewValidationError("workspace path is not a directory: %s", abs)
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	ws := &Workspace{
		ID:        uuid.NewString(),
		Name:      name,
		Path:      abs,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, path, created_at) VALUES (?, ?, ?, ?)`,
		ws.ID, ws.Name, ws.Path, ws.CreatedAt)
	if isUniqueViolation(err) {
		return nil, errors.NewValidationError("workspace already registered: %s", abs)
	}
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to create workspace")
	}
	return ws, nil
}

// Get returns the workspace with id
func (s *Store) Get(ctx context.Context, id string) (*Workspace, error) {
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT id, name, path, created_at FROM workspaces WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("workspace not found: %s", id)
	}
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to get workspace")
	}
	return ws, nil
}

// GetByPath returns the workspace registered at dir
func (s *Store) GetByPath(ctx context.Context, dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid workspace path %q", dir), errors.ErrValidation)
	}
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT id, name, path, created_at FROM workspaces WHERE path = ?`, abs))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no workspace registered at %s", abs)
	}
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to get workspace")
	}
	return ws, nil
}

// Resolve accepts either a workspace id or a registered path
func (s *Store) Resolve(ctx context.Context, ref string) (*Workspace, error) {
	ws, err := s.Get(ctx, ref)
	if errors.IsNotFound(err) {
		return s.GetByPath(ctx, ref)
	}
	return ws, err
}

// List returns all workspaces by name
func (s *Store) List(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, created_at FROM workspaces ORDER BY name, created_at`)
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to list workspaces")
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, errors.WrapDatabase(err, "failed to scan workspace")
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapDatabase(err, "failed to list workspaces")
	}
	return out, nil
}

// Delete removes the workspace and, by cascade, its runs, logs and scripts
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return errors.WrapDatabase(err, "failed to delete workspace")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapDatabase(err, "failed to delete workspace")
	}
	if n == 0 {
		return errors.NewNotFoundError("workspace not found: %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*Workspace, error) {
	var ws Workspace
	if err := row.Scan(&ws.ID, &ws.Name, &ws.Path, &ws.CreatedAt); err != nil {
		return nil, err
	}
	return &ws, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
