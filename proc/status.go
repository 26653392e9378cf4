package proc

import (
	"sync"
	"time"

	"github.com/teranos/kiln/errors"
)

// Status is the lifecycle state of a run. Running is the only non-terminal state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is absorbing
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus validates a persisted status string
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusRunning, StatusSuccess, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", errors.NewValidationError("unknown run status: %q", s)
}

// statusCell holds a run's status and lets exactly one caller move it out of running
type statusCell struct {
	mu     sync.Mutex
	status Status
}

func newStatusCell() *statusCell {
	return &statusCell{status: StatusRunning}
}

func (c *statusCell) Load() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Finish moves running to a terminal status. It returns false if the
// status was already terminal, leaving it unchanged.
func (c *statusCell) Finish(to Status) bool {
	if !to.Terminal() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRunning {
		return false
	}
	c.status = to
	return true
}

// Outcome is the terminal result of an execution
type Outcome struct {
	RunID     string
	Status    Status
	ExitCode  *int // nil unless the process exited on its own
	Err       error
	PID       int
	StartedAt time.Time
	EndedAt   time.Time
}

// ErrorMessage returns the failure text for persistence, or nil
func (o Outcome) ErrorMessage() *string {
	if o.Err == nil {
		return nil
	}
	msg := o.Err.Error()
	return &msg
}

// Duration is the wall time of the execution
func (o Outcome) Duration() time.Duration {
	return o.EndedAt.Sub(o.StartedAt)
}
