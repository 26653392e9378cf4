package run

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
	"github.com/teranos/kiln/proc/logsink"
	"github.com/teranos/kiln/toolchain"
)

func newRun(workspaceID string, kind Kind) *Run {
	return &Run{
		ID:          "run-" + string(kind) + "-" + time.Now().Format("150405.000000000"),
		WorkspaceID: workspaceID,
		Kind:        kind,
		Status:      proc.StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
}

func TestStoreCreateFinish(t *testing.T) {
	db := kilntest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	wsID := kilntest.SeedWorkspace(t, db, t.TempDir())

	r := newRun(wsID, toolchain.Build)
	require.NoError(t, store.Create(ctx, r))
	require.NoError(t, store.SetPID(ctx, r.ID, 4242))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, proc.StatusRunning, got.Status)
	assert.Equal(t, 4242, got.PID)
	assert.Nil(t, got.EndedAt)
	assert.Nil(t, got.ExitCode)

	code := 1
	applied, err := store.Finish(ctx, r.ID, proc.StatusFailed, &code, nil, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	// Terminal states are absorbing
	applied, err = store.Finish(ctx, r.ID, proc.StatusCancelled, nil, nil, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)

	got, err = store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, proc.StatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)
	assert.NotNil(t, got.EndedAt)
	assert.Nil(t, got.ErrorMessage)
}

func TestStoreFinishRejectsRunning(t *testing.T) {
	store := NewStore(kilntest.CreateTestDB(t))
	_, err := store.Finish(context.Background(), "x", proc.StatusRunning, nil, nil, time.Now())
	assert.True(t, errors.IsAssertionFailure(err))
}

func TestStoreGetNotFound(t *testing.T) {
	_, err := NewStore(kilntest.CreateTestDB(t)).Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreListFiltersByKind(t *testing.T) {
	db := kilntest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	wsID := kilntest.SeedWorkspace(t, db, t.TempDir())

	build := newRun(wsID, toolchain.Build)
	build.StartedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Create(ctx, build))
	test := newRun(wsID, toolchain.Test)
	require.NoError(t, store.Create(ctx, test))

	all, err := store.List(ctx, wsID, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, test.ID, all[0].ID, "newest first")

	kind := toolchain.Build
	builds, err := store.List(ctx, wsID, &kind)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, build.ID, builds[0].ID)

	running, err := store.ListRunning(ctx)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[proc.StatusRunning])
}

func TestStoreAppendLogsOverlapping(t *testing.T) {
	db := kilntest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	wsID := kilntest.SeedWorkspace(t, db, t.TempDir())
	r := newRun(wsID, toolchain.Test)
	require.NoError(t, store.Create(ctx, r))

	line := func(seq uint64, content string) logsink.Line {
		return logsink.Line{RunID: r.ID, Content: content, Seq: seq, Stream: logsink.Stdout}
	}

	// Incremental writes, one of them missed
	require.NoError(t, store.AppendLogs(ctx, r.ID, []logsink.Line{line(0, "a")}))
	require.NoError(t, store.AppendLogs(ctx, r.ID, []logsink.Line{line(2, "c")}))

	// Final snapshot overlaps everything
	require.NoError(t, store.AppendLogs(ctx, r.ID, []logsink.Line{line(0, "a"), line(1, "b"), line(2, "c")}))

	logs, err := store.Logs(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []LogLine{{"a", 0}, {"b", 1}, {"c", 2}}, logs)
}

func TestStoreDatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO runs").WillReturnError(errors.New("database is locked"))
	err = store.Create(ctx, &Run{ID: "r1", WorkspaceID: "w", Kind: toolchain.Build, Status: proc.StatusRunning})
	assert.True(t, errors.IsDatabase(err))

	mock.ExpectExec("UPDATE runs SET status").WillReturnError(errors.New("disk full"))
	_, err = store.Finish(ctx, "r1", proc.StatusSuccess, nil, nil, time.Now())
	assert.True(t, errors.IsDatabase(err))

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT OR IGNORE INTO run_logs")
	mock.ExpectExec("INSERT OR IGNORE INTO run_logs").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()
	err = store.AppendLogs(ctx, "r1", []logsink.Line{{RunID: "r1", Content: "x"}})
	assert.True(t, errors.IsDatabase(err))

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE status = 'running'").WillReturnError(errors.New("no such table: runs"))
	_, err = store.ListRunning(ctx)
	assert.True(t, errors.IsDatabase(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}
