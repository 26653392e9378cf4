package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/kiln/events"
	"github.com/teranos/kiln/proc"
	"github.com/teranos/kiln/proc/logsink"
	"github.com/teranos/kiln/run"
	"github.com/teranos/kiln/sym"
	"github.com/teranos/kiln/toolchain"
	"github.com/teranos/kiln/workspace"
)

// RunsCmd inspects and cancels recorded runs
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: sym.Run + " Inspect and cancel runs",
	Long: sym.Run + ` runs: Inspect and cancel runs

Examples:
  kiln runs ls                          # Runs of the current directory
  kiln runs ls --type test -o json
  kiln runs show <id>
  kiln runs logs <id> -f                # Follow a run started by kiln serve
  kiln runs cancel <id>                 # Cancel a run started by kiln serve`,
}

var runsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List a workspace's runs, newest first",
	Args:    cobra.NoArgs,
	RunE:    runRunsLs,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Print a run's output",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel an active run on the kiln server",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsCancel,
}

var (
	runsWorkspaceRef string
	runsType         string
	runsFollow       bool
)

func init() {
	runsLsCmd.Flags().StringVarP(&runsWorkspaceRef, "workspace", "w", ".", "Workspace id or directory")
	runsLsCmd.Flags().StringVar(&runsType, "type", "", "Only runs of this type: build, test, deploy")
	runsLogsCmd.Flags().BoolVarP(&runsFollow, "follow", "f", false, "Stream new output from the kiln server until the run ends")
	RunsCmd.PersistentFlags().StringVar(&serverURL, "server", "", "kiln server URL (default: http://127.0.0.1:<server.port>)")

	RunsCmd.AddCommand(runsLsCmd)
	RunsCmd.AddCommand(runsShowCmd)
	RunsCmd.AddCommand(runsLogsCmd)
	RunsCmd.AddCommand(runsCancelCmd)
}

func runRunsLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	ws, err := workspace.NewStore(database).Resolve(ctx, runsWorkspaceRef)
	if err != nil {
		return err
	}

	var kind *run.Kind
	if runsType != "" {
		k, err := toolchain.ParseAction(runsType)
		if err != nil {
			return err
		}
		kind = &k
	}

	list, err := run.NewStore(database).List(ctx, ws.ID, kind)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), list, func() pterm.TableData {
		return runRows(list)
	})
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	r, err := run.NewStore(database).Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), r, func() pterm.TableData {
		data := pterm.TableData{
			{"Key", "Value"},
			{"ID", r.ID},
			{"Workspace", r.WorkspaceID},
			{"Type", string(r.Kind)},
			{"Status", statusLabel(r.Status)},
			{"Exit code", exitCodeLabel(r.ExitCode)},
			{"Started", r.StartedAt.Local().Format("2006-01-02 15:04:05")},
		}
		if r.EndedAt != nil {
			data = append(data, []string{"Duration", r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()})
		}
		if r.ErrorMessage != nil {
			data = append(data, []string{"Error", *r.ErrorMessage})
		}
		return data
	})
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	id := args[0]
	store := run.NewStore(database)
	r, err := store.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	lines, err := store.Logs(cmd.Context(), id)
	if err != nil {
		return err
	}

	if outputFormat == "json" || outputFormat == "yaml" {
		return printResult(cmd.OutOrStdout(), lines, nil)
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	next := uint64(0)
	printFrom := func(lines []run.LogLine) {
		for _, l := range lines {
			if l.Order < next {
				continue
			}
			printLogLine(out, errOut, l.Line)
			next = l.Order + 1
		}
	}
	printFrom(lines)
	if !runsFollow || r.Status.Terminal() {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Once subscribed, catch up on anything written since the first read
	caughtUp := func() (*events.RunStatus, error) {
		latest, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		lines, err := store.Logs(ctx, id)
		if err != nil {
			return nil, err
		}
		printFrom(lines)
		if !latest.Status.Terminal() {
			return nil, nil
		}
		return &events.RunStatus{RunID: id, Status: string(latest.Status), ExitCode: latest.ExitCode}, nil
	}

	st, err := followEvents(ctx, id, caughtUp, func(o events.RunOutput) {
		if o.Seq < next {
			return
		}
		next = o.Seq + 1
		printLogLine(out, errOut, o.Line)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return reportOutcome(id, proc.Status(st.Status), st.ExitCode)
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	var r run.Run
	if err := postAPI(context.WithoutCancel(cmd.Context()), "/api/runs/"+args[0]+"/cancel", &r); err != nil {
		return err
	}
	pterm.Success.Printfln("Run %s %s", r.ID, r.Status)
	return nil
}

func printLogLine(out, errOut io.Writer, line string) {
	if rest, ok := strings.CutPrefix(line, logsink.StderrPrefix); ok {
		fmt.Fprintln(errOut, rest)
		return
	}
	fmt.Fprintln(out, line)
}

func runRows(list []*run.Run) pterm.TableData {
	data := pterm.TableData{{"ID", "Type", "Status", "Exit", "Started", "Duration"}}
	for _, r := range list {
		duration := "-"
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		data = append(data, []string{
			r.ID,
			string(r.Kind),
			statusLabel(r.Status),
			exitCodeLabel(r.ExitCode),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
		})
	}
	return data
}
