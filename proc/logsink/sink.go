// Package logsink buffers the output lines of live runs in sequence order and
// keeps finished runs' lines in a short-lived cache for fast reads.
package logsink

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/teranos/kiln/errors"
)

// Stream identifies which pipe a line came from
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// StderrPrefix is prepended to every stderr line at capture time
const StderrPrefix = "[stderr] "

// DefaultRetentionCost bounds the retention cache, in bytes of line content
const DefaultRetentionCost = 16 << 20

// Line is one captured unit of output
type Line struct {
	RunID   string `json:"runId"`
	Content string `json:"line"`
	Seq     uint64 `json:"seq"`
	Stream  Stream `json:"stream"`
}

type buffer struct {
	next  uint64
	lines []Line
}

// Sink holds ordered per-run line buffers. Active buffers are never evicted;
// only retained (finished) runs live in the bounded cache.
type Sink struct {
	mu      sync.Mutex
	buffers map[string]*buffer

	retained *ristretto.Cache[string, []Line]
}

// New creates a sink whose retention cache holds up to maxCost bytes of content
func New(maxCost int64) (*Sink, error) {
	if maxCost <= 0 {
		maxCost = DefaultRetentionCost
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []Line]{
		NumCounters: maxCost / 100 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create log retention cache")
	}
	return &Sink{
		buffers:  make(map[string]*buffer),
		retained: cache,
	}, nil
}

// Append records content for runID and returns the stored line with its sequence number
func (s *Sink) Append(runID, content string, stream Stream) Line {
	if stream == Stderr {
		content = StderrPrefix + content
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[runID]
	if !ok {
		b = &buffer{}
		s.buffers[runID] = b
	}
	line := Line{RunID: runID, Content: content, Seq: b.next, Stream: stream}
	b.next++
	b.lines = append(b.lines, line)
	return line
}

// Snapshot returns a copy of the run's active buffer in sequence order
func (s *Sink) Snapshot(runID string) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[runID]
	if !ok {
		return nil
	}
	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

// Drop discards the run's active buffer
func (s *Sink) Drop(runID string) {
	s.mu.Lock()
	delete(s.buffers, runID)
	s.mu.Unlock()
}

// Retain moves the run's active buffer into the retention cache for ttl.
// A zero ttl drops it outright.
func (s *Sink) Retain(runID string, ttl time.Duration) {
	lines := s.Snapshot(runID)
	s.Drop(runID)
	if ttl <= 0 || len(lines) == 0 {
		return
	}
	s.retained.SetWithTTL(runID, lines, cost(lines), ttl)
	s.retained.Wait()
}

// Lines returns the run's lines from its active buffer, or from the
// retention cache once finished. ok is false when neither holds the run.
func (s *Sink) Lines(runID string) ([]Line, bool) {
	s.mu.Lock()
	b, active := s.buffers[runID]
	if active {
		out := make([]Line, len(b.lines))
		copy(out, b.lines)
		s.mu.Unlock()
		return out, true
	}
	s.mu.Unlock()

	lines, found := s.retained.Get(runID)
	if !found {
		return nil, false
	}
	out := make([]Line, len(lines))
	copy(out, lines)
	return out, true
}

// Active returns the number of runs with live buffers
func (s *Sink) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

// Close releases the retention cache
func (s *Sink) Close() {
	s.retained.Close()
}

func cost(lines []Line) int64 {
	var n int64
	for _, l := range lines {
		n += int64(len(l.Content)) + 32
	}
	return n
}
