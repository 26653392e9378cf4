package logsink

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSink(t *testing.T) *Sink {
	t.Helper()
	s, err := New(0)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestAppendAssignsSequence(t *testing.T) {
	s := newSink(t)

	l0 := s.Append("r1", "compiling", Stdout)
	l1 := s.Append("r1", "warning: unused", Stderr)
	other := s.Append("r2", "hello", Stdout)

	assert.Equal(t, uint64(0), l0.Seq)
	assert.Equal(t, uint64(1), l1.Seq)
	assert.Equal(t, "[stderr] warning: unused", l1.Content)
	assert.Equal(t, Stderr, l1.Stream)
	assert.Equal(t, uint64(0), other.Seq, "sequences are per run")
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newSink(t)
	s.Append("r1", "a", Stdout)

	snap := s.Snapshot("r1")
	snap[0].Content = "mutated"

	assert.Equal(t, "a", s.Snapshot("r1")[0].Content)
	assert.Nil(t, s.Snapshot("missing"))
}

func TestConcurrentAppendKeepsSequenceDense(t *testing.T) {
	s := newSink(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Append("r1", fmt.Sprintf("%d-%d", w, i), Stdout)
			}
		}(w)
	}
	wg.Wait()

	lines := s.Snapshot("r1")
	require.Len(t, lines, 800)
	for i, l := range lines {
		assert.Equal(t, uint64(i), l.Seq)
	}
}

func TestDrop(t *testing.T) {
	s := newSink(t)
	s.Append("r1", "a", Stdout)
	require.Equal(t, 1, s.Active())

	s.Drop("r1")
	assert.Equal(t, 0, s.Active())
	_, ok := s.Lines("r1")
	assert.False(t, ok)
}

func TestRetainServesFromCache(t *testing.T) {
	s := newSink(t)
	s.Append("r1", "line1", Stdout)
	s.Append("r1", "err1", Stderr)

	s.Retain("r1", time.Minute)

	assert.Equal(t, 0, s.Active())
	lines, ok := s.Lines("r1")
	require.True(t, ok)
	require.Len(t, lines, 2)
	assert.Equal(t, "line1", lines[0].Content)
	assert.Equal(t, "[stderr] err1", lines[1].Content)
}

func TestRetainZeroTTLDrops(t *testing.T) {
	s := newSink(t)
	s.Append("r1", "line1", Stdout)

	s.Retain("r1", 0)

	_, ok := s.Lines("r1")
	assert.False(t, ok)
}

func TestLinesPrefersActiveBuffer(t *testing.T) {
	s := newSink(t)
	s.Append("r1", "a", Stdout)
	s.Append("r1", "b", Stdout)

	lines, ok := s.Lines("r1")
	require.True(t, ok)
	assert.Len(t, lines, 2)
}
