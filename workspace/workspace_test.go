package workspace

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/kiln/errors"
	kilntest "github.com/teranos/kiln/internal/testing"
)

func TestCreateAndGet(t *testing.T) {
	store := NewStore(kilntest.CreateTestDB(t))
	ctx := context.Background()
	dir := t.TempDir()

	ws, err := store.Create(ctx, "", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), ws.Name)
	assert.True(t, filepath.IsAbs(ws.Path))

	got, err := store.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, got.ID)
	assert.Equal(t, ws.Path, got.Path)

	byPath, err := store.GetByPath(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, byPath.ID)

	resolved, err := store.Resolve(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, resolved.ID)
}

func TestCreateValidation(t *testing.T) {
	store := NewStore(kilntest.CreateTestDB(t))
	ctx := context.Background()

	_, err := store.Create(ctx, "x", filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.IsValidation(err))

	dir := t.TempDir()
	_, err = store.Create(ctx, "first", dir)
	require.NoError(t, err)

	_, err = store.Create(ctx, "second", dir)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "already registered")
}

func TestListAndDelete(t *testing.T) {
	store := NewStore(kilntest.CreateTestDB(t))
	ctx := context.Background()

	b, err := store.Create(ctx, "beta", t.TempDir())
	require.NoError(t, err)
	_, err = store.Create(ctx, "alpha", t.TempDir())
	require.NoError(t, err)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)

	require.NoError(t, store.Delete(ctx, b.ID))
	_, err = store.Get(ctx, b.ID)
	assert.True(t, errors.IsNotFound(err))

	err = store.Delete(ctx, b.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestDatabaseErrorKind(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, path, created_at FROM workspaces").
		WillReturnError(errors.New("disk I/O error"))

	_, err = NewStore(db).List(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsDatabase(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
