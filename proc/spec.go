package proc

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/kballard/go-shellquote"
)

// Spec is a ready-to-spawn command: program, arguments, working directory
// and extra environment. It never passes through a shell unless Program is one.
type Spec struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"` // KEY=VALUE, appended to the parent environment
}

// Argv returns program followed by its arguments
func (s Spec) Argv() []string {
	return append([]string{s.Program}, s.Args...)
}

// String renders the argv as a copy-pasteable shell line
func (s Spec) String() string {
	return shellquote.Join(s.Argv()...)
}

// WithDir returns a copy of s that runs in dir
func (s Spec) WithDir(dir string) Spec {
	s.Dir = dir
	return s
}

// WithEnv returns a copy of s with vars added in key order
func (s Spec) WithEnv(vars map[string]string) Spec {
	if len(vars) == 0 {
		return s
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(s.Env)+len(keys))
	env = append(env, s.Env...)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	s.Env = env
	return s
}

// killGrace bounds how long a cancelled Command waits for its output pipes
// to close after the process group is killed.
const killGrace = 2 * time.Second

// Command builds an exec.Cmd for s bound to ctx. Cancelling ctx kills the
// whole process group, not just the direct child.
func (s Spec) Command(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.Program, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	configureProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = killGrace
	return cmd
}
