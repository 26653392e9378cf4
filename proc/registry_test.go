package proc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/kiln/errors"
)

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewHandle("r1", Spec{Program: "forge"})))

	err := r.Register(NewHandle("r1", Spec{Program: "forge"}))
	require.Error(t, err)
	assert.True(t, errors.IsAssertionFailure(err))
	assert.Equal(t, 1, r.Len())
}

func TestLookupSnapshot(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewHandle("r1", Spec{Program: "anchor", Args: []string{"build"}})))

	snap, ok := r.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, "r1", snap.RunID)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, "anchor", snap.Spec.Program)
	assert.Equal(t, 0, snap.PID)

	_, ok = r.Lookup("r2")
	assert.False(t, ok)
}

func TestCancelClosesChannelOnce(t *testing.T) {
	r := NewRegistry()
	h := NewHandle("r1", Spec{Program: "sleep"})
	require.NoError(t, r.Register(h))

	require.NoError(t, r.Cancel("r1"))

	select {
	case <-h.cancel:
	default:
		t.Fatal("cancel channel not closed")
	}
	_, ok := r.Lookup("r1")
	assert.False(t, ok)

	err := r.Cancel("r1")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, "no active process for run: r1", err.Error())

	// Safe to signal again directly
	h.requestCancel()
}

func TestCancelUnknown(t *testing.T) {
	err := NewRegistry().Cancel("nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestRemoveAfterCancelIsNoop(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewHandle("r1", Spec{Program: "x"})))
	require.NoError(t, r.Cancel("r1"))

	r.Remove("r1")
	assert.Equal(t, 0, r.Len())
}

func TestIDsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(NewHandle(id, Spec{Program: "x"})))
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.IDs())
}

func TestConcurrentCancelOnlyOneWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewHandle("r1", Spec{Program: "x"})))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Cancel("r1") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStatusCellFinishesOnce(t *testing.T) {
	c := newStatusCell()
	assert.False(t, c.Finish(StatusRunning))
	assert.True(t, c.Finish(StatusCancelled))
	assert.False(t, c.Finish(StatusSuccess))
	assert.Equal(t, StatusCancelled, c.Load())
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{StatusRunning, StatusSuccess, StatusFailed, StatusCancelled} {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
		assert.Equal(t, s != StatusRunning, s.Terminal())
	}
	_, err := ParseStatus("paused")
	assert.True(t, errors.IsValidation(err))
}

func TestSpecHelpers(t *testing.T) {
	s := Spec{Program: "forge", Args: []string{"script", "script/My Deploy.s.sol"}}
	assert.Equal(t, `forge script 'script/My Deploy.s.sol'`, s.String())

	s = s.WithDir("/work").WithEnv(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, "/work", s.Dir)
	assert.Equal(t, []string{"A=1", "B=2"}, s.Env)
}
