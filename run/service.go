package run

import (
	"context"
	"sync"
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
	"github.com/teranos/kiln/toolchain"
	"github.com/teranos/kiln/workspace"
)

// persistTimeout bounds each store write made from engine callbacks,
// which run detached from any request context.
const persistTimeout = 30 * time.Second

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

// Service starts, cancels and queries workspace runs
type Service struct {
	store      *Store
	workspaces *workspace.Store
	engine     *proc.Engine
	sink       *logsink.Sink
	emitter    events.Emitter
	retention  atomic.Int64
	pending    *proc.Completions
	log        *zap.SugaredLogger

	// live holds the record of every run this process has started and not
	// yet finished, so reads of active runs skip the database.
	liveMu sync.Mutex
	live   map[string]Run
}

// NewService creates a run service
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
		log:        log.Named("runs"),
		live:       make(map[string]Run),
	}
	s.retention.Store(int64(cfg.Retention))
	return s
}

// SetRetention changes how long finished runs' lines stay in memory
func (s *Service) SetRetention(d time.Duration) {
	s.retention.Store(int64(d))
}

// Start resolves the action for the workspace's toolchain, records a running
// run and spawns it. Resolution errors and a full engine are returned before
// anything is written. If the spawn itself fails the run is recorded as
// failed and returned together with the process error.
func (s *Service) Start(ctx context.Context, workspaceID string, kind Kind, script string) (*Run, error) {
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	spec, err := toolchain.Resolve(ws.Path, kind, script)
	if err != nil {
		return nil, err
	}
	slot, err := s.engine.Reserve()
	if err != nil {
		return nil, err
	}

	r := &Run{
		ID:          uuid.NewString(),
		WorkspaceID: ws.ID,
		Kind:        kind,
		Status:      proc.StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		slot.Release()
		return nil, err
	}

	log := s.log.With(logger.FieldRunID, r.ID, logger.FieldWorkspaceID, ws.ID)
	s.pending.Add(r.ID)
	s.track(*r)

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
		return r, errors.Wrapf(err, "run %s", r.ID)
	}

	r.PID = exe.PID
	s.setLivePID(r.ID, exe.PID)
	if err := s.store.SetPID(ctx, r.ID, exe.PID); err != nil {
		log.Warnw("Failed to record pid", logger.FieldError, err)
	}

	log.Infow("Run started",
		logger.FieldKind, kind,
		logger.FieldProgram, spec.String(),
		logger.FieldPID, exe.PID)
	return r, nil
}

func (s *Service) track(r Run) {
	s.liveMu.Lock()
	s.live[r.ID] = r
	s.liveMu.Unlock()
}

// setLivePID updates a tracked run only; a run that already finished stays gone
func (s *Service) setLivePID(id string, pid int) {
	s.liveMu.Lock()
	if r, ok := s.live[id]; ok {
		r.PID = pid
		s.live[id] = r
	}
	s.liveMu.Unlock()
}

func (s *Service) untrack(id string) {
	s.liveMu.Lock()
	delete(s.live, id)
	s.liveMu.Unlock()
}

func (s *Service) lookupLive(id string) (*Run, bool) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	r, ok := s.live[id]
	if !ok {
		return nil, false
	}
	return &r, true
}

func (s *Service) failSpawn(r *Run, spawnErr error, log *zap.SugaredLogger) {
	defer s.pending.Close(r.ID)
	defer s.untrack(r.ID)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	now := time.Now().UTC()
	msg := spawnErr.Error()
	if _, err := s.store.Finish(ctx, r.ID, proc.StatusFailed, nil, &msg, now); err != nil {
		log.Errorw("Failed to record spawn failure", logger.FieldError, err)
	}
	r.Status = proc.StatusFailed
	r.EndedAt = &now
	r.ErrorMessage = &msg
	s.emitStatus(ctx, r.ID, proc.StatusFailed, nil)
}

// onOutput persists and forwards one line. Neither failure affects the run.
func (s *Service) onOutput(line logsink.Line) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.AppendLogs(ctx, line.RunID, []logsink.Line{line}); db.IsDatabaseClosed(err) {
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

// onComplete tops up the log rows from the final snapshot, then applies
// the terminal state.
func (s *Service) onComplete(out proc.Outcome) {
	defer s.pending.Close(out.RunID)
	defer s.untrack(out.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	log := s.log.With(logger.FieldRunID, out.RunID)

	if err := s.store.AppendLogs(ctx, out.RunID, s.sink.Snapshot(out.RunID)); err != nil {
		log.Errorw("Failed to persist final log snapshot", logger.FieldError, err)
	}

	applied, err := s.store.Finish(ctx, out.RunID, out.Status, out.ExitCode, out.ErrorMessage(), out.EndedAt)
	switch {
	case err != nil:
		log.Errorw("Failed to record run outcome", logger.FieldStatus, out.Status, logger.FieldError, err)
	case !applied:
		log.Warnw("Run was no longer running", logger.FieldStatus, out.Status)
	}

	s.sink.Retain(out.RunID, time.Duration(s.retention.Load()))
	s.emitStatus(ctx, out.RunID, out.Status, out.ExitCode)
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

// Cancel kills a running run and waits until it is recorded as cancelled.
// Unknown or finished runs yield a not-found error.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); errors.IsNotFound(err) {
		return errors.NewNotFoundError("no active process for run: %s", id)
	} else if err != nil {
		return err
	}
	if err := s.engine.Cancel(ctx, id); err != nil {
		return err
	}
	return s.pending.Wait(ctx, id)
}

// Wait blocks until the run's terminal state is persisted, then returns it
func (s *Service) Wait(ctx context.Context, id string) (*Run, error) {
	if err := s.pending.Wait(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Get returns a run, from memory while this process is running it,
// otherwise from the store.
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if r, ok := s.lookupLive(id); ok {
		return r, nil
	}
	return s.store.Get(ctx, id)
}

// List returns a workspace's runs, newest first
func (s *Service) List(ctx context.Context, workspaceID string, kind *Kind) ([]*Run, error) {
	if _, err := s.workspaces.Get(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.store.List(ctx, workspaceID, kind)
}

// Logs returns a run's output in order, from memory while it is live or
// recently finished, otherwise from the store.
func (s *Service) Logs(ctx context.Context, id string) ([]LogLine, error) {
	if lines, ok := s.sink.Lines(id); ok {
		out := make([]LogLine, len(lines))
		for i, l := range lines {
			out[i] = LogLine{Line: l.Content, Order: l.Seq}
		}
		return out, nil
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Logs(ctx, id)
}

// Reconcile marks runs left running by a previous process as failed and
// kills their process if it is still alive. Runs active in this engine are
// left alone. It returns how many records were reconciled.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	running, err := s.store.ListRunning(ctx)
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

		msg := OrphanMessage
		applied, err := s.store.Finish(ctx, r.ID, proc.StatusFailed, nil, &msg, time.Now().UTC())
		if err != nil {
			return n, err
		}
		if applied {
			n++
		}
	}
	if n > 0 {
		s.log.Infow("Reconciled orphaned runs", logger.FieldCount, n)
	}
	return n, nil
}

// Active returns the ids of runs currently executing
func (s *Service) Active() []string {
	return s.engine.Registry().IDs()
}
