package script

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/kiln/db"
	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/events"
	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/proc"
	"github.com/teranos/kiln/proc/logsink"
	"github.com/teranos/kiln/workspace"
)

// Log trailers appended to a script run's blob
const (
	cancelledTrailer = "\n[cancelled] Script was cancelled by user\n"
	errorTrailer     = "\n[error] Process error: %s\n"
	orphanTrailer    = "\n[error] Process error: orphaned by restart\n"
)

const persistTimeout = 30 * time.Second

// StartRequest asks for one execution of a script
type StartRequest struct {
	ScriptID string            `json:"scriptId"`
	Flags    map[string]string `json:"flags"`
	Env      map[string]string `json:"env"`
}

// Config wires a Service
type Config struct {
	Store      *Store
	Workspaces *workspace.Store
	Engine     *proc.Engine
	Sink       *logsink.Sink
	Emitter    events.Emitter
	Retention  time.Duration
	Logger     *zap.SugaredLogger
}

// Service manages script definitions and runs them
type Service struct {
	store      *Store
	workspaces *workspace.Store
	engine     *proc.Engine
	sink       *logsink.Sink
	emitter    events.Emitter
	retention  atomic.Int64
	pending    *proc.Completions
	log        *zap.SugaredLogger
}

// NewService creates a script service
func NewService(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = logger.Logger
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.Nop{}
	}
	s := &Service{
		store:      cfg.Store,
		workspaces: cfg.Workspaces,
		engine:     cfg.Engine,
		sink:       cfg.Sink,
		emitter:    emitter,
		pending:    proc.NewCompletions(),
		log:        log.Named("scripts"),
	}
	s.retention.Store(int64(cfg.Retention))
	return s
}

// SetRetention changes how long finished runs' lines stay in memory
func (s *Service) SetRetention(d time.Duration) {
	s.retention.Store(int64(d))
}

// Create validates and stores a new script. File-based runners must point
// at a file that exists relative to the workspace.
func (s *Service) Create(ctx context.Context, sc *Script) (*Script, error) {
	ws, err := s.workspaces.Get(ctx, sc.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ws, sc); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sc.ID = uuid.NewString()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	if sc.Flags == nil {
		sc.Flags = []Flag{}
	}
	if err := s.store.Create(ctx, sc); err != nil {
		return nil, err
	}
	s.log.Infow("Script created", logger.FieldScriptID, sc.ID, logger.FieldRunner, sc.Runner)
	return sc, nil
}

// Update validates and replaces an existing script
func (s *Service) Update(ctx context.Context, sc *Script) (*Script, error) {
	existing, err := s.store.Get(ctx, sc.ID)
	if err != nil {
		return nil, err
	}
	sc.WorkspaceID = existing.WorkspaceID
	sc.CreatedAt = existing.CreatedAt

	ws, err := s.workspaces.Get(ctx, sc.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ws, sc); err != nil {
		return nil, err
	}
	sc.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *Service) validate(ws *workspace.Workspace, sc *Script) error {
	if strings.TrimSpace(sc.Name) == "" {
		return errors.NewValidationError("script name is required")
	}
	runner, err := RunnerFor(sc.Runner)
	if err != nil {
		return err
	}
	sc.Runner = runner.Kind()

	seen := make(map[string]bool, len(sc.Flags))
	for _, f := range sc.Flags {
		if f.Name == "" {
			return errors.NewValidationError("flag name is required")
		}
		if !f.Type.Valid() {
			return errors.NewValidationError("flag %s has unknown type %q", f.Name, f.Type)
		}
		if seen[f.Name] {
			return errors.NewValidationError("duplicate flag: %s", f.Name)
		}
		seen[f.Name] = true
	}

	if runner.RequiresFile() && sc.hasFile() {
		path := sc.FilePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workingDir(ws, sc), path)
		}
		if _, err := os.Stat(path); err != nil {
			return errors.WithHint(
				errors.NewValidationError("script file not found: %s", sc.FilePath),
				"paths are relative to the script's working directory")
		}
	}
	return nil
}

// workingDir is the script's working directory resolved against the workspace
func workingDir(ws *workspace.Workspace, sc *Script) string {
	dir := sc.WorkingDirectory
	switch {
	case dir == "":
		return ws.Path
	case filepath.IsAbs(dir):
		return dir
	default:
		return filepath.Join(ws.Path, dir)
	}
}

// Get returns a script
func (s *Service) Get(ctx context.Context, id string) (*Script, error) {
	return s.store.Get(ctx, id)
}

// List returns a workspace's scripts
func (s *Service) List(ctx context.Context, workspaceID string) ([]*Script, error) {
	if _, err := s.workspaces.Get(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.store.List(ctx, workspaceID)
}

// Delete removes a script and its runs
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// prepare loads the script, checks flags and builds the command. Nothing
// is written.
func (s *Service) prepare(ctx context.Context, req StartRequest) (*Script, proc.Spec, error) {
	sc, err := s.store.Get(ctx, req.ScriptID)
	if err != nil {
		return nil, proc.Spec{}, err
	}
	if err := ValidateFlags(*sc, req.Flags); err != nil {
		return nil, proc.Spec{}, err
	}
	ws, err := s.workspaces.Get(ctx, sc.WorkspaceID)
	if err != nil {
		return nil, proc.Spec{}, err
	}
	spec, err := BuildLocalCommand(*sc, req.Flags)
	if err != nil {
		return nil, proc.Spec{}, err
	}
	return sc, spec.WithDir(workingDir(ws, sc)).WithEnv(req.Env), nil
}

func newRun(scriptID string, req StartRequest) *Run {
	flags := req.Flags
	if flags == nil {
		flags = map[string]string{}
	}
	env := req.Env
	if env == nil {
		env = map[string]string{}
	}
	return &Run{
		ID:          uuid.NewString(),
		ScriptID:    scriptID,
		StartedAt:   time.Now().UTC(),
		Status:      proc.StatusRunning,
		FlagsUsed:   flags,
		EnvVarsUsed: env,
	}
}

// Start validates the request, records a running script run and spawns it.
// Validation failures and a full engine are returned before anything is
// written. A spawn failure returns the run, recorded as failed, with the error.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Run, error) {
	sc, spec, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	slot, err := s.engine.Reserve()
	if err != nil {
		return nil, err
	}

	r := newRun(sc.ID, req)
	if err := s.store.CreateRun(ctx, r); err != nil {
		slot.Release()
		return nil, err
	}

	log := s.log.With(logger.FieldRunID, r.ID, logger.FieldScriptID, sc.ID)
	s.pending.Add(r.ID)

	exe, err := s.engine.Start(ctx, proc.StartRequest{
		RunID:       r.ID,
		Spec:        spec,
		Sink:        s.sink,
		Reservation: slot,
		OnOutput:    s.onOutput,
		OnComplete:  s.onComplete,
	})
	if err != nil {
		s.failSpawn(r, err, log)
		return r, errors.Wrapf(err, "script run %s", r.ID)
	}

	r.PID = exe.PID
	if err := s.store.SetRunPID(ctx, r.ID, exe.PID); err != nil {
		log.Warnw("Failed to record pid", logger.FieldError, err)
	}
	log.Infow("Script run started",
		logger.FieldRunner, sc.Runner,
		logger.FieldProgram, spec.String(),
		logger.FieldPID, exe.PID)
	return r, nil
}

func (s *Service) failSpawn(r *Run, spawnErr error, log *zap.SugaredLogger) {
	defer s.pending.Close(r.ID)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	now := time.Now().UTC()
	trailer := errorTrailerFor(spawnErr)
	if _, err := s.store.CompleteRun(ctx, r.ID, proc.StatusFailed, nil, now, trailer); err != nil {
		log.Errorw("Failed to record spawn failure", logger.FieldError, err)
	}
	r.Status = proc.StatusFailed
	r.FinishedAt = &now
	r.Logs = trailer
	s.emitStatus(ctx, r.ID, proc.StatusFailed, nil)
}

func errorTrailerFor(err error) string {
	return fmt.Sprintf(errorTrailer, err.Error())
}

func (s *Service) onOutput(line logsink.Line) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.AppendRunLogs(ctx, line.RunID, line.Content+"\n"); db.IsDatabaseClosed(err) {
		s.log.Debugw("Database closed, log line kept in memory only", logger.FieldRunID, line.RunID)
	} else if err != nil {
		s.log.Warnw("Failed to persist log line", logger.FieldRunID, line.RunID, logger.FieldError, err)
	}
	err := s.emitter.Emit(ctx, events.EventRunOutput, events.RunOutput{
		RunID:  line.RunID,
		Line:   line.Content,
		Seq:    line.Seq,
		Stream: string(line.Stream),
	})
	if err != nil {
		s.log.Warnw("Failed to emit run output", logger.FieldRunID, line.RunID, logger.FieldError, err)
	}
}

func (s *Service) onComplete(out proc.Outcome) {
	defer s.pending.Close(out.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	log := s.log.With(logger.FieldRunID, out.RunID)

	var trailer string
	switch {
	case out.Status == proc.StatusCancelled:
		trailer = cancelledTrailer
	case out.Err != nil:
		trailer = errorTrailerFor(out.Err)
	}
	s.appendTrailer(out.RunID, trailer)

	// The blob is rewritten from memory, so a line whose incremental append
	// failed is still persisted.
	logs := joinLines(s.sink.Snapshot(out.RunID))
	applied, err := s.store.CompleteRun(ctx, out.RunID, out.Status, out.ExitCode, out.EndedAt, logs)
	switch {
	case err != nil:
		log.Errorw("Failed to record script run outcome", logger.FieldStatus, out.Status, logger.FieldError, err)
	case !applied:
		log.Warnw("Script run was no longer running", logger.FieldStatus, out.Status)
	}

	s.sink.Retain(out.RunID, time.Duration(s.retention.Load()))
	s.emitStatus(ctx, out.RunID, out.Status, out.ExitCode)
}

// appendTrailer adds the trailer to the run's buffered lines so the
// in-memory copy and the stored blob read the same.
func (s *Service) appendTrailer(runID, trailer string) {
	if trailer == "" {
		return
	}
	for _, l := range strings.Split(strings.TrimSuffix(trailer, "\n"), "\n") {
		s.sink.Append(runID, l, logsink.Stdout)
	}
}

// joinLines renders buffered lines in the blob format, one per line
func joinLines(lines []logsink.Line) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func (s *Service) emitStatus(ctx context.Context, runID string, status proc.Status, exitCode *int) {
	err := s.emitter.Emit(ctx, events.EventRunStatus, events.RunStatus{
		RunID:    runID,
		Status:   string(status),
		ExitCode: exitCode,
	})
	if err != nil {
		s.log.Warnw("Failed to emit run status", logger.FieldRunID, runID, logger.FieldError, err)
	}
}

// Cancel kills a running script run and waits until it is recorded as
// cancelled. Unknown or finished runs yield a not-found error.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	if _, err := s.store.GetRun(ctx, runID); errors.IsNotFound(err) {
		return errors.NewNotFoundError("no active process for run: %s", runID)
	} else if err != nil {
		return err
	}
	if err := s.engine.Cancel(ctx, runID); err != nil {
		return err
	}
	return s.pending.Wait(ctx, runID)
}

// Wait blocks until the run's terminal state is persisted, then returns it
func (s *Service) Wait(ctx context.Context, runID string) (*Run, error) {
	if err := s.pending.Wait(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.GetRun(ctx, runID)
}

// Execute runs a script to completion outside the engine, capturing
// combined output, and records the finished run in one insert. ctx bounds
// the execution; cancelling it kills the process.
func (s *Service) Execute(ctx context.Context, req StartRequest) (*Run, error) {
	sc, spec, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	r := newRun(sc.ID, req)

	cmd := spec.Command(ctx)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	runErr := cmd.Run()
	finished := time.Now().UTC()
	r.FinishedAt = &finished
	r.Logs = output.String()

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		code := 0
		r.Status, r.ExitCode = proc.StatusSuccess, &code
	case ctx.Err() != nil:
		r.Status = proc.StatusCancelled
		r.Logs += cancelledTrailer
	case errors.As(runErr, &exitErr) && exitErr.ExitCode() >= 0:
		code := exitErr.ExitCode()
		r.Status, r.ExitCode = proc.StatusFailed, &code
	default:
		r.Status = proc.StatusFailed
		r.Logs += errorTrailerFor(runErr)
	}

	// Record even when ctx was cancelled
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.CreateRun(insertCtx, r); err != nil {
		return nil, err
	}

	s.log.Infow("Script executed",
		logger.FieldRunID, r.ID,
		logger.FieldScriptID, sc.ID,
		logger.FieldStatus, r.Status,
		logger.FieldDurationMS, finished.Sub(r.StartedAt).Milliseconds())
	return r, nil
}

// GetRun returns a script run with its logs
func (s *Service) GetRun(ctx context.Context, runID string) (*Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns returns a script's runs, newest first
func (s *Service) ListRuns(ctx context.Context, scriptID string) ([]*Run, error) {
	if _, err := s.store.Get(ctx, scriptID); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, scriptID)
}

// RunLogs returns the cumulative log text of a script run, from memory
// while it is live or recently finished, otherwise from the store.
func (s *Service) RunLogs(ctx context.Context, runID string) (string, error) {
	if lines, ok := s.sink.Lines(runID); ok {
		return joinLines(lines), nil
	}
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return r.Logs, nil
}

// Reconcile marks script runs left running by a previous process as failed
// and kills their process if it is still alive.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	running, err := s.store.ListRunningRuns(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range running {
		if _, active := s.engine.Registry().Lookup(r.ID); active {
			continue
		}
		log := s.log.With(logger.FieldRunID, r.ID, logger.FieldPID, r.PID)

		killed, err := proc.KillOrphan(ctx, r.PID, r.StartedAt)
		if err != nil {
			log.Warnw("Failed to stop orphaned process", logger.FieldError, err)
		} else if killed {
			log.Infow("Killed orphaned process")
		}

		if err := s.store.AppendRunLogs(ctx, r.ID, orphanTrailer); err != nil {
			return n, err
		}
		applied, err := s.store.FinishRun(ctx, r.ID, proc.StatusFailed, nil, time.Now().UTC())
		if err != nil {
			return n, err
		}
		if applied {
			n++
		}
	}
	if n > 0 {
		s.log.Infow("Reconciled orphaned script runs", logger.FieldCount, n)
	}
	return n, nil
}
