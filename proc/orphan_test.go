//go:build !windows

package proc

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillOrphan(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	startedAt := time.Now()
	pid := cmd.Process.Pid

	killed, err := KillOrphan(context.Background(), pid, startedAt)
	require.NoError(t, err)
	assert.True(t, killed)

	_ = cmd.Wait()
	alive, err := process.PidExists(int32(pid))
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestKillOrphanSkipsRecycledPID(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	// Record claims the run started an hour earlier than this process
	killed, err := KillOrphan(context.Background(), cmd.Process.Pid, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, killed)
}

func TestKillOrphanNoPID(t *testing.T) {
	killed, err := KillOrphan(context.Background(), 0, time.Now())
	require.NoError(t, err)
	assert.False(t, killed)
}

func TestCompletions(t *testing.T) {
	c := NewCompletions()
	ctx := context.Background()

	assert.NoError(t, c.Wait(ctx, "untracked"))

	c.Add("r1")
	assert.Equal(t, 1, c.Pending())

	done := make(chan error, 1)
	go func() { done <- c.Wait(ctx, "r1") }()

	c.Close("r1")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken")
	}
	assert.Equal(t, 0, c.Pending())
	c.Close("r1")

	c.Add("r2")
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(tctx, "r2"), context.DeadlineExceeded)
}
