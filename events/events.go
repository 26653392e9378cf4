// Package events carries live run notifications from the services to
// whatever is listening: WebSocket clients, the CLI, or tests.
package events

import (
	"context"
	"sync"

	"github.com/teranos/kiln/errors"
)

// Event names
const (
	// EventRunOutput is emitted once per captured output line
	EventRunOutput = "run-output"
	// EventRunStatus is emitted when a run reaches a terminal state
	EventRunStatus = "run-status"
)

// RunOutput is the payload of EventRunOutput
type RunOutput struct {
	RunID  string `json:"runId"`
	Line   string `json:"line"`
	Seq    uint64 `json:"seq"`
	Stream string `json:"stream"`
}

// RunStatus is the payload of EventRunStatus
type RunStatus struct {
	RunID    string `json:"runId"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// Emitter delivers a named event. Implementations must be safe for
// concurrent use; callers treat failures as non-fatal.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Emit(context.Context, string, any) error { return nil }

// Func adapts a function to Emitter
type Func func(ctx context.Context, name string, payload any) error

func (f Func) Emit(ctx context.Context, name string, payload any) error {
	return f(ctx, name, payload)
}

// Multi fans an event out to every emitter, returning the first failure
// after all have been tried.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, name string, payload any) error {
	var first error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, name, payload); err != nil && first == nil {
			first = errors.Wrapf(err, "failed to emit %s", name)
		}
	}
	return first
}

// Event is one recorded emission
type Event struct {
	Name    string
	Payload any
}

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, name string, payload any) error {
	r.mu.Lock()
	r.events = append(r.events, Event{Name: name, Payload: payload})
	r.mu.Unlock()
	return nil
}

// Events returns a copy of what has been recorded
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// RunOutputs returns the recorded output payloads for runID
func (r *Recorder) RunOutputs(runID string) []RunOutput {
	var out []RunOutput
	for _, e := range r.Events() {
		if p, ok := e.Payload.(RunOutput); ok && e.Name == EventRunOutput && p.RunID == runID {
			out = append(out, p)
		}
	}
	return out
}
