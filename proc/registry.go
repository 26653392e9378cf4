package proc

import (
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/teranos/kiln/errors"
)

// Handle is the registry's record of one live process
type Handle struct {
	RunID     string
	Spec      Spec
	StartedAt time.Time

	cmd    *exec.Cmd
	status *statusCell

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

// NewHandle creates a running handle with an open cancel channel
func NewHandle(runID string, spec Spec) *Handle {
	return &Handle{
		RunID:     runID,
		Spec:      spec,
		StartedAt: time.Now().UTC(),
		status:    newStatusCell(),
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// PID returns the OS process id, or 0 before spawn
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Snapshot returns a copy of the handle's observable state
func (h *Handle) Snapshot() Snapshot {
	return Snapshot{
		RunID:     h.RunID,
		PID:       h.PID(),
		Spec:      h.Spec,
		StartedAt: h.StartedAt,
		Status:    h.status.Load(),
	}
}

// requestCancel closes the cancel channel. Safe to call more than once.
func (h *Handle) requestCancel() {
	h.cancelOnce.Do(func() { close(h.cancel) })
}

// Snapshot is a point-in-time view of an active run
type Snapshot struct {
	RunID     string    `json:"runId"`
	PID       int       `json:"pid"`
	Spec      Spec      `json:"spec"`
	StartedAt time.Time `json:"startedAt"`
	Status    Status    `json:"status"`
}

// Registry maps run ids to their live process handles. At most one handle
// exists per run id; a handle leaves the registry either through Cancel or
// through Remove on completion.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register adds h. A second handle for the same run id is a programming error.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[h.RunID]; exists {
		return errors.AssertionFailedf("run %s already has an active process", h.RunID)
	}
	r.handles[h.RunID] = h
	return nil
}

// Lookup returns a snapshot of the active run, if any
func (r *Registry) Lookup(runID string) (Snapshot, bool) {
	h, ok := r.get(runID)
	if !ok {
		return Snapshot{}, false
	}
	return h.Snapshot(), true
}

func (r *Registry) get(runID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[runID]
	return h, ok
}

// Cancel removes the run's handle and signals its waiter to kill the process.
// A run that is unknown, finished, or already cancelled yields a not-found error.
func (r *Registry) Cancel(runID string) error {
	_, err := r.cancel(runID)
	return err
}

func (r *Registry) cancel(runID string) (*Handle, error) {
	r.mu.Lock()
	h, ok := r.handles[runID]
	if ok {
		delete(r.handles, runID)
	}
	r.mu.Unlock()

	if !ok {
		return nil, errors.NewNotFoundError("no active process for run: %s", runID)
	}
	h.requestCancel()
	return h, nil
}

// Remove drops the run's handle. Called by the completion path; a no-op
// when Cancel already removed it.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, runID)
}

// Len returns the number of active runs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// IDs returns the active run ids, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
