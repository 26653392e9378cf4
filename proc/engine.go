// Package proc spawns child processes, captures their output line by line,
// and races natural exit against cancellation so every run ends in exactly
// one terminal state.
package proc

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/proc/logsink"
	"github.com/teranos/kiln/sym"
)

// DefaultMaxLineBytes is the longest single output line the readers accept
const DefaultMaxLineBytes = 1024 * 1024

// ErrAtCapacity is returned by Start when the concurrent run limit is reached
var ErrAtCapacity = errors.Mark(errors.New("too many active runs"), errors.ErrValidation)

// procLogger distinguishes process lifecycle entries:
// Starting → ✿ spawn, Closing → ❀ terminal state
type procLogger struct {
	*zap.SugaredLogger
}

func (l procLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.ProcOpen+" "+msg, keysAndValues...)
}

func (l procLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.ProcClose+" "+msg, keysAndValues...)
}

// Options configures an Engine
type Options struct {
	MaxConcurrent int // 0 = unbounded
	MaxLineBytes  int // 0 = DefaultMaxLineBytes
	// DrainGrace is how long readers may keep going after the process
	// exits, for output still held open by its children. 0 = killGrace.
	DrainGrace time.Duration
	Logger     *zap.SugaredLogger
}

// StartRequest describes one execution
type StartRequest struct {
	RunID      string
	Spec       Spec
	Sink       *logsink.Sink
	// Reservation is a slot taken with Reserve. Start consumes it whether
	// or not the spawn succeeds. Nil means Start takes its own slot.
	Reservation *Reservation
	OnOutput   func(logsink.Line) // called from reader goroutines, once per line
	OnComplete func(Outcome)      // called exactly once, after output is drained
}

// Execution is the caller's view of a started process
type Execution struct {
	RunID     string
	PID       int
	StartedAt time.Time

	handle  *Handle
	outcome Outcome
}

// Done is closed after OnComplete has returned
func (e *Execution) Done() <-chan struct{} {
	return e.handle.done
}

// Wait blocks until the execution finishes or ctx is done
func (e *Execution) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-e.handle.done:
		return e.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Engine runs processes and tracks them in its Registry
type Engine struct {
	registry *Registry
	log      procLogger

	mu           sync.Mutex
	active       int
	maxActive    int
	maxLineBytes int
	drainGrace   time.Duration

	wg sync.WaitGroup
}

// Reservation is one admission slot held ahead of Start
type Reservation struct {
	e    *Engine
	once sync.Once
}

// Release gives the slot back. Safe to call more than once.
func (r *Reservation) Release() {
	if r != nil {
		r.once.Do(r.e.release)
	}
}

// NewEngine creates an engine with its own registry
func NewEngine(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	maxLine := opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	grace := opts.DrainGrace
	if grace <= 0 {
		grace = killGrace
	}
	return &Engine{
		registry:     NewRegistry(),
		log:          procLogger{log.Named("engine")},
		maxActive:    opts.MaxConcurrent,
		maxLineBytes: maxLine,
		drainGrace:   grace,
	}
}

// Registry exposes the engine's active-run registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// SetMaxConcurrent changes the admission limit for future starts. Runs
// already in flight are never interrupted.
func (e *Engine) SetMaxConcurrent(n int) {
	e.mu.Lock()
	e.maxActive = n
	e.mu.Unlock()
}

func (e *Engine) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.maxActive > 0 && e.active >= e.maxActive {
		return errors.WithHintf(errors.Wrapf(ErrAtCapacity, "limit is %d", e.maxActive),
			"raise runs.max_concurrent or wait for a run to finish")
	}
	e.active++
	return nil
}

// Reserve takes an admission slot so a caller can reject a run with
// ErrAtCapacity before recording anything. Hand it to Start through
// StartRequest.Reservation, or Release it if the run is abandoned.
func (e *Engine) Reserve() (*Reservation, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	return &Reservation{e: e}, nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.active--
	e.mu.Unlock()
}

// Start spawns req.Spec and returns as soon as the process is running.
// Output is appended to req.Sink and forwarded to req.OnOutput as it arrives.
// A spawn failure is returned as a process error and OnComplete is not called.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		req.Reservation.Release()
		return nil, err
	}
	if req.RunID == "" || req.Spec.Program == "" || req.Sink == nil {
		req.Reservation.Release()
		return nil, errors.AssertionFailedf("start request needs a run id, a program and a sink")
	}
	slot := req.Reservation
	if slot == nil {
		var err error
		if slot, err = e.Reserve(); err != nil {
			return nil, err
		}
	}

	log := procLogger{e.log.With(logger.FieldRunID, req.RunID)}

	h := NewHandle(req.RunID, req.Spec)
	cmd := exec.Command(req.Spec.Program, req.Spec.Args...)
	cmd.Dir = req.Spec.Dir
	if len(req.Spec.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Spec.Env...)
	}
	configureProcessGroup(cmd)
	h.cmd = cmd

	pipes, err := openPipes()
	if err != nil {
		slot.Release()
		return nil, errors.WrapProcess(err, "failed to open output pipes")
	}
	cmd.Stdout = pipes.stdoutW
	cmd.Stderr = pipes.stderrW

	if err := e.registry.Register(h); err != nil {
		pipes.closeAll()
		slot.Release()
		return nil, err
	}

	err = cmd.Start()
	// The child holds its own copies of the write ends
	pipes.closeWrite()
	if err != nil {
		pipes.closeRead()
		e.registry.Remove(req.RunID)
		slot.Release()
		log.Warnw("Failed to spawn process",
			logger.FieldProgram, req.Spec.Program,
			logger.FieldDir, req.Spec.Dir,
			logger.FieldError, err)
		return nil, errors.WrapProcess(err, "failed to spawn "+req.Spec.Program)
	}

	exe := &Execution{
		RunID:     req.RunID,
		PID:       cmd.Process.Pid,
		StartedAt: h.StartedAt,
		handle:    h,
	}

	log.Starting("Process started",
		logger.FieldPID, exe.PID,
		logger.FieldProgram, req.Spec.Program,
		logger.FieldArgs, req.Spec.Args,
		logger.FieldDir, req.Spec.Dir)

	var readers errgroup.Group
	readers.Go(func() error {
		return e.capture(pipes.stdoutR, logsink.Stdout, req)
	})
	readers.Go(func() error {
		return e.capture(pipes.stderrR, logsink.Stderr, req)
	})

	e.wg.Add(1)
	go e.wait(h, exe, &readers, pipes, slot, req, log)

	return exe, nil
}

// wait races process exit against cancellation, reaps the process either
// way, then applies the single terminal outcome.
func (e *Engine) wait(h *Handle, exe *Execution, readers *errgroup.Group, pipes *outputPipes, slot *Reservation, req StartRequest, log procLogger) {
	defer e.wg.Done()

	// The process and its output are waited on separately: a background
	// child can keep the pipes open long after the direct child exits.
	exited := make(chan error, 1)
	go func() {
		exited <- h.cmd.Wait()
	}()
	drained := make(chan struct{})
	go func() {
		_ = readers.Wait()
		close(drained)
	}()

	outcome := Outcome{RunID: h.RunID, PID: exe.PID, StartedAt: h.StartedAt}

	select {
	case err := <-exited:
		outcome.Status, outcome.ExitCode, outcome.Err = classifyExit(err)
	case <-h.cancel:
		if err := killProcessGroup(h.cmd); err != nil {
			log.Warnw("Failed to kill process", logger.FieldPID, exe.PID, logger.FieldError, err)
		}
		<-exited
		outcome.Status = StatusCancelled
	}
	outcome.EndedAt = time.Now().UTC()
	e.drain(drained, pipes, log)

	if !h.status.Finish(outcome.Status) {
		// Unreachable while wait is the only writer
		log.Errorw("Run already in a terminal state", logger.FieldStatus, h.status.Load())
	}

	e.registry.Remove(h.RunID)
	slot.Release()

	log.Closing("Process finished",
		logger.FieldStatus, outcome.Status,
		logger.FieldExitCode, outcome.ExitCode,
		logger.FieldDurationMS, outcome.Duration().Milliseconds())

	exe.outcome = outcome
	if req.OnComplete != nil {
		req.OnComplete(outcome)
	}
	close(h.done)
}

// drain lets the readers finish what the exited process wrote. Output
// still open after drainGrace belongs to a child that outlived it; the
// read ends are closed so the readers stop.
func (e *Engine) drain(drained <-chan struct{}, pipes *outputPipes, log procLogger) {
	select {
	case <-drained:
	case <-time.After(e.drainGrace):
		log.Debugw("Output still open after process exit, closing pipes",
			"grace_ms", e.drainGrace.Milliseconds())
		pipes.closeRead()
		<-drained
	}
	pipes.closeRead()
}

// classifyExit maps cmd.Wait's result to a terminal status
func classifyExit(err error) (Status, *int, error) {
	if err == nil {
		code := 0
		return StatusSuccess, &code, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed by a signal we did not send
			return StatusFailed, nil, errors.WrapProcess(err, "process terminated")
		}
		return StatusFailed, &code, nil
	}
	return StatusFailed, nil, errors.WrapProcess(err, "failed to wait for process")
}

// Cancel signals the run's process to stop and waits until its terminal
// state has been applied, or ctx is done.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	h, err := e.registry.cancel(runID)
	if err != nil {
		return err
	}
	e.log.Infow("Cancel requested", logger.FieldRunID, runID)

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of runs currently holding an admission slot
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Shutdown cancels every active run and waits for all of them to finish
func (e *Engine) Shutdown(ctx context.Context) error {
	ids := e.registry.IDs()
	if len(ids) > 0 {
		e.log.Closing("Cancelling active runs", logger.FieldCount, len(ids))
	}
	for _, id := range ids {
		_ = e.registry.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for runs to stop")
	}
}
