package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/events"
	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/proc"
	"github.com/teranos/kiln/proc/logsink"
	"github.com/teranos/kiln/sym"
	"github.com/teranos/kiln/toolchain"
)

// RunCmd runs a workspace action in the foreground
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Run + " Build, test or deploy a workspace",
	Long: sym.Run + ` run: Build, test or deploy a workspace in the foreground

Output is streamed as it arrives and the run is recorded. Ctrl+C cancels
the run and everything it spawned.

Examples:
  kiln run build                              # Current directory
  kiln run test --workspace ../program
  kiln run deploy --script script/Deploy.s.sol`,
}

var (
	runWorkspaceRef string
	runScriptPath   string
)

func init() {
	for _, action := range toolchain.Actions {
		sub := &cobra.Command{
			Use:   string(action),
			Short: fmt.Sprintf("Run the project's %s command", action),
			Args:  cobra.NoArgs,
			RunE:  runAction(action),
		}
		sub.Flags().StringVarP(&runWorkspaceRef, "workspace", "w", ".", "Workspace id or directory")
		if action == toolchain.Deploy {
			sub.Flags().StringVar(&runScriptPath, "script", "", "Deploy script path (Foundry and Hardhat)")
		}
		RunCmd.AddCommand(sub)
	}
}

func runAction(action toolchain.Action) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(streamEmitter(cmd.OutOrStdout(), cmd.ErrOrStderr()))
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		rt.reconcile(ctx)

		ws, err := rt.resolveWorkspace(ctx, runWorkspaceRef)
		if err != nil {
			return err
		}

		verbosity := verbosityOf(cmd)
		if logger.ShouldOutput(verbosity, logger.OutputCommands) {
			if spec, err := toolchain.Resolve(ws.Path, action, runScriptPath); err == nil {
				pterm.Info.Printfln("$ %s", spec)
			}
		}

		started, err := rt.runs.Start(context.WithoutCancel(ctx), ws.ID, action, runScriptPath)
		if err != nil {
			if started != nil {
				pterm.Warning.Printfln("run %s recorded as %s", started.ID, started.Status)
			}
			return err
		}
		if logger.ShouldOutput(verbosity, logger.OutputLifecycle) {
			pterm.Info.Printfln("%s %s in %s (run %s, pid %d)", sym.Run, action, ws.Path, started.ID, started.PID)
		}

		var status proc.Status
		var exitCode *int
		err = waitForeground(ctx, started.ID,
			func(ctx context.Context) error {
				r, err := rt.runs.Wait(ctx, started.ID)
				if err == nil {
					status, exitCode = r.Status, r.ExitCode
				}
				return err
			},
			func(ctx context.Context) error { return rt.runs.Cancel(ctx, started.ID) },
		)
		if err != nil {
			return err
		}
		return reportOutcome(started.ID, status, exitCode)
	}
}

// streamEmitter prints run output as it arrives, stderr lines to errOut
func streamEmitter(out, errOut io.Writer) events.Emitter {
	var mu sync.Mutex
	return events.Func(func(_ context.Context, name string, payload any) error {
		o, ok := payload.(events.RunOutput)
		if name != events.EventRunOutput || !ok {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if o.Stream == string(logsink.Stderr) {
			fmt.Fprintln(errOut, strings.TrimPrefix(o.Line, logsink.StderrPrefix))
		} else {
			fmt.Fprintln(out, o.Line)
		}
		return nil
	})
}

// waitForeground waits for a run. If ctx is cancelled first (Ctrl+C) the
// run is cancelled and its final state awaited.
func waitForeground(ctx context.Context, id string, wait, cancel func(context.Context) error) error {
	err := wait(ctx)
	if ctx.Err() == nil {
		return err
	}

	pterm.Warning.Printfln("Interrupted, cancelling run %s", id)
	cctx, done := context.WithTimeout(context.Background(), runtimeShutdownTimeout)
	defer done()
	if err := cancel(cctx); err != nil && !errors.IsNotFound(err) {
		return err
	}
	return wait(cctx)
}

func reportOutcome(id string, status proc.Status, exitCode *int) error {
	if status == proc.StatusSuccess {
		pterm.Success.Printfln("Run %s succeeded", id)
		return nil
	}
	pterm.Error.Printfln("Run %s %s (exit code %s)", id, status, exitCodeLabel(exitCode))
	return &RunFailedError{RunID: id, Status: status, ExitCode: exitCode}
}
