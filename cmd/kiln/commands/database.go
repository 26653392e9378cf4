package commands

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/teranos/kiln/am"
	"github.com/teranos/kiln/db"
	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/events"
	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/proc"
	"github.com/teranos/kiln/proc/logsink"
	"github.com/teranos/kiln/run"
	"github.com/teranos/kiln/script"
	"github.com/teranos/kiln/workspace"
)

const runtimeShutdownTimeout = 10 * time.Second

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it loads from am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// runtime is the engine, sinks, stores and services shared by commands that start runs
type runtime struct {
	cfg        *am.Config
	db         *sql.DB
	workspaces *workspace.Store
	engine     *proc.Engine
	runSink    *logsink.Sink
	scriptSink *logsink.Sink
	runs       *run.Service
	scripts    *script.Service
}

// openRuntime loads config, opens the database and wires the services.
// emitter receives run-output and run-status events.
func openRuntime(emitter events.Emitter) (*runtime, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	database, err := openDatabase("")
	if err != nil {
		return nil, err
	}

	// One sink per service, so a run id only ever resolves to its own kind
	runSink, err := logsink.New(logsink.DefaultRetentionCost)
	if err != nil {
		database.Close()
		return nil, err
	}
	scriptSink, err := logsink.New(logsink.DefaultRetentionCost)
	if err != nil {
		runSink.Close()
		database.Close()
		return nil, err
	}

	engine := proc.NewEngine(proc.Options{
		MaxConcurrent: cfg.Runs.MaxConcurrent,
		MaxLineBytes:  cfg.ScannerMaxTokenBytes(),
		Logger:        logger.Logger,
	})

	workspaces := workspace.NewStore(database)
	rt := &runtime{
		cfg:        cfg,
		db:         database,
		workspaces: workspaces,
		engine:     engine,
		runSink:    runSink,
		scriptSink: scriptSink,
	}
	rt.runs = run.NewService(run.Config{
		Store:      run.NewStore(database),
		Workspaces: workspaces,
		Engine:     engine,
		Sink:       runSink,
		Emitter:    emitter,
		Retention:  cfg.LogRetention(),
		Logger:     logger.Logger,
	})
	rt.scripts = script.NewService(script.Config{
		Store:      script.NewStore(database),
		Workspaces: workspaces,
		Engine:     engine,
		Sink:       scriptSink,
		Emitter:    emitter,
		Retention:  cfg.LogRetention(),
		Logger:     logger.Logger,
	})
	return rt, nil
}

// reconcile fails runs a previous kiln process left running
func (rt *runtime) reconcile(ctx context.Context) {
	if !rt.cfg.Runs.ReconcileOnStart {
		return
	}
	n, err := rt.runs.Reconcile(ctx)
	if err != nil {
		logger.Warnw("Failed to reconcile orphaned runs", logger.FieldError, err)
	}
	m, err := rt.scripts.Reconcile(ctx)
	if err != nil {
		logger.Warnw("Failed to reconcile orphaned script runs", logger.FieldError, err)
	}
	if n+m > 0 {
		logger.Infow("Reconciled orphaned runs", "runs", n, "script_runs", m)
	}
}

// applyConfig hot-reloads the settings that can change without a restart
func (rt *runtime) applyConfig(cfg *am.Config) error {
	rt.engine.SetMaxConcurrent(cfg.Runs.MaxConcurrent)
	rt.runs.SetRetention(cfg.LogRetention())
	rt.scripts.SetRetention(cfg.LogRetention())
	logger.Infow("Run settings applied",
		"max_concurrent", cfg.Runs.MaxConcurrent,
		"log_retention_seconds", int(cfg.LogRetention().Seconds()))
	return nil
}

// Close cancels active runs, waits for them to be recorded and closes the database
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), runtimeShutdownTimeout)
	defer cancel()
	if err := rt.engine.Shutdown(ctx); err != nil {
		logger.Warnw("Active runs did not stop in time", logger.FieldError, err)
	}
	rt.runSink.Close()
	rt.scriptSink.Close()
	rt.db.Close()
}

// resolveWorkspace finds a workspace by id or directory. An unregistered
// directory is registered on first use.
func (rt *runtime) resolveWorkspace(ctx context.Context, ref string) (*workspace.Workspace, error) {
	return resolveWorkspace(ctx, rt.workspaces, ref)
}

func resolveWorkspace(ctx context.Context, store *workspace.Store, ref string) (*workspace.Workspace, error) {
	if ref == "" {
		ref = "."
	}
	ws, err := store.Resolve(ctx, ref)
	if !errors.IsNotFound(err) {
		return ws, err
	}
	if info, statErr := os.Stat(ref); statErr != nil || !info.IsDir() {
		return nil, err
	}
	ws, err = store.Create(ctx, "", ref)
	if err != nil {
		return nil, err
	}
	logger.Infow("Registered workspace", logger.FieldWorkspaceID, ws.ID, logger.FieldPath, ws.Path)
	return ws, nil
}
