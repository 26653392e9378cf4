package proc

import (
	"context"
	"sync"
)

// Completions tracks runs whose terminal state has not been persisted yet,
// so callers can block until it has. Services Add a run before spawning and
// Close it once the terminal record is written.
type Completions struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

// NewCompletions creates an empty tracker
func NewCompletions() *Completions {
	return &Completions{chans: make(map[string]chan struct{})}
}

// Add starts tracking runID
func (c *Completions) Add(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.chans[runID]; !ok {
		c.chans[runID] = make(chan struct{})
	}
}

// Close marks runID complete and wakes every waiter
func (c *Completions) Close(runID string) {
	c.mu.Lock()
	ch, ok := c.chans[runID]
	delete(c.chans, runID)
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Wait blocks until runID completes. It returns immediately for runs that
// are not tracked, which includes runs that already finished.
func (c *Completions) Wait(ctx context.Context, runID string) error {
	c.mu.Lock()
	ch, ok := c.chans[runID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of tracked runs
func (c *Completions) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chans)
}
