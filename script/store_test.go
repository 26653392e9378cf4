package script

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/kiln/errors"
	kilntest "github.com/teranos/kiln/internal/testing"
	"github.com/teranos/kiln/proc"
)

func seedScript(t *testing.T, store *Store, wsID, name string, flags []Flag) *Script {
	t.Helper()
	now := time.Now().UTC()
	sc := &Script{
		ID:          name + "-id",
		WorkspaceID: wsID,
		Name:        name,
		Runner:      RunnerForgeBuild,
		Flags:       flags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.Create(context.Background(), sc))
	return sc
}

func TestStoreScriptRoundTrip(t *testing.T) {
	db := kilntest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	wsID := kilntest.SeedWorkspace(t, db, t.TempDir())

	flags := []Flag{
		{Name: "--zeta", Type: FlagString, Required: true},
		{Name: "--alpha", Type: FlagBoolean, Default: strPtr("false"), Description: "dry run"},
	}
	sc := seedScript(t, store, wsID, "deploy", flags)

	got, err := store.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, RunnerForgeBuild, got.Runner)
	require.Len(t, got.Flags, 2)
	assert.Equal(t, "--zeta", got.Flags[0].Name, "declaration order is kept")
	assert.True(t, got.Flags[0].Required)
	assert.Nil(t, got.Flags[0].Default)
	require.NotNil(t, got.Flags[1].Default)
	assert.Equal(t, "false", *got.Flags[1].Default)

	got.Name = "deploy-v2"
	got.Flags = got.Flags[:1]
	require.NoError(t, store.Update(ctx, got))

	updated, err := store.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy-v2", updated.Name)
	assert.Len(t, updated.Flags, 1)

	list, err := store.List(ctx, wsID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, sc.ID))
	_, err = store.Get(ctx, sc.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(store.Delete(ctx, sc.ID)))
}

func TestStoreDuplicateScriptName(t *testing.T) {
	db := kilntest.CreateTestDB(t)
	store := NewStore(db)
	wsID := kilntest.SeedWorkspace(t, db, t.TempDir())
	seedScript(t, store, wsID, "build", nil)

	now := time.Now().UTC()
	err := store.Create(context.Background(), &Script{
		ID: "other", WorkspaceID: wsID, Name: "build", Runner: RunnerBash, CreatedAt: now, UpdatedAt: now,
	})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestStoreRunLifecycle(t *testing.T) {
	db := kilntest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	wsID := kilntest.SeedWorkspace(t, db, t.TempDir())
	sc := seedScript(t, store, wsID, "build", nil)

	r := newRun(sc.ID, StartRequest{Flags: map[string]string{"--verbose": "true"}})
	require.NoError(t, store.CreateRun(ctx, r))
	require.NoError(t, store.AppendRunLogs(ctx, r.ID, "line1\n"))
	require.NoError(t, store.AppendRunLogs(ctx, r.ID, "[stderr] err1\n"))

	code := 1
	applied, err := store.FinishRun(ctx, r.ID, proc.StatusFailed, &code, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.FinishRun(ctx, r.ID, proc.StatusCancelled, nil, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied, "terminal states are absorbing")

	got, err := store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, proc.StatusFailed, got.Status)
	assert.Equal(t, "line1\n[stderr] err1\n", got.Logs)
	assert.Equal(t, map[string]string{"--verbose": "true"}, got.FlagsUsed)
	assert.Equal(t, map[string]string{}, got.EnvVarsUsed)
	require.NotNil(t, got.FinishedAt)

	runs, err := store.ListRuns(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Empty(t, runs[0].Logs, "listing omits log blobs")
}

func TestStoreCompleteRunReplacesLogs(t *testing.T) {
	db := kilntest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	wsID := kilntest.SeedWorkspace(t, db, t.TempDir())
	sc := seedScript(t, store, wsID, "build", nil)

	r := newRun(sc.ID, StartRequest{})
	require.NoError(t, store.CreateRun(ctx, r))
	require.NoError(t, store.AppendRunLogs(ctx, r.ID, "partial\n"))

	code := 0
	applied, err := store.CompleteRun(ctx, r.ID, proc.StatusSuccess, &code, time.Now().UTC(), "partial\nrest\n")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.CompleteRun(ctx, r.ID, proc.StatusFailed, nil, time.Now().UTC(), "other\n")
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, proc.StatusSuccess, got.Status)
	assert.Equal(t, "partial\nrest\n", got.Logs)
}

func TestStoreRunDatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()

	mock.ExpectExec("UPDATE script_runs SET logs").WillReturnError(errors.New("database is locked"))
	assert.True(t, errors.IsDatabase(store.AppendRunLogs(ctx, "r1", "x")))

	mock.ExpectExec("UPDATE script_runs SET status = (.+), logs = ").WillReturnError(errors.New("database is locked"))
	_, err = store.CompleteRun(ctx, "r1", proc.StatusSuccess, nil, time.Now().UTC(), "x\n")
	assert.True(t, errors.IsDatabase(err))

	mock.ExpectQuery("SELECT (.+) FROM script_runs WHERE id").WillReturnError(errors.New("disk I/O error"))
	_, err = store.GetRun(ctx, "r1")
	assert.True(t, errors.IsDatabase(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}
