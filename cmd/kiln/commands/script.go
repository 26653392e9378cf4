package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/events"
	"github.com/teranos/kiln/script"
	"github.com/teranos/kiln/sym"
	"github.com/teranos/kiln/workspace"
)

// ScriptCmd manages and runs user scripts
var ScriptCmd = &cobra.Command{
	Use:   "script",
	Short: sym.Script + " Define and run workspace scripts",
	Long: sym.Script + ` script: Define and run workspace scripts

A script is a runner (bash, custom, node, bun, python, npx, forge,
hardhat, anchor, aptos-move-* and their test/build variants) plus a file or
command and declared flags. Run "kiln script add --help" for the full list.

Examples:
  kiln script add --name seed --runner bash --file scripts/seed.sh \
      --flag network:string:required --flag dry:boolean
  kiln script ls
  kiln script run <id> --flag network=sepolia --env RPC_URL=http://localhost:8545
  kiln script exec <id> --flag network=anvil`,
}

var scriptAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Define a script in a workspace",
	Args:  cobra.NoArgs,
	RunE:  runScriptAdd,
}

var scriptLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List a workspace's scripts",
	Args:    cobra.NoArgs,
	RunE:    runScriptLs,
}

var scriptShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a script and the command it would run",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptShow,
}

var scriptRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a script with its runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptRm,
}

var scriptRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a script in the foreground, streaming output",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptRun,
}

var scriptExecCmd = &cobra.Command{
	Use:   "exec <id>",
	Short: "Run a script to completion and print its combined output",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptExec,
}

var (
	scriptWorkspaceRef string
	scriptDef          script.Script
	scriptFlagDecls    []string
	scriptFlagValues   []string
	scriptEnvValues    []string
)

func init() {
	scriptAddCmd.Flags().StringVarP(&scriptWorkspaceRef, "workspace", "w", ".", "Workspace id or directory")
	scriptAddCmd.Flags().StringVar(&scriptDef.Name, "name", "", "Script name")
	scriptAddCmd.Flags().StringVar((*string)(&scriptDef.Runner), "runner", "", "Runner: "+runnerList())
	scriptAddCmd.Flags().StringVar(&scriptDef.FilePath, "file", "", "Script file, relative to the workspace")
	scriptAddCmd.Flags().StringVar(&scriptDef.Command, "command", "", "Command or extra arguments")
	scriptAddCmd.Flags().StringVar(&scriptDef.WorkingDirectory, "dir", "", "Working directory, relative to the workspace")
	scriptAddCmd.Flags().StringVar(&scriptDef.Category, "category", "", "Free-form grouping")
	scriptAddCmd.Flags().StringVar(&scriptDef.Description, "description", "", "Description")
	scriptAddCmd.Flags().StringArrayVar(&scriptFlagDecls, "flag", nil, "Declared flag as name:type[:required][=default] (repeatable)")
	scriptAddCmd.MarkFlagRequired("name")
	scriptAddCmd.MarkFlagRequired("runner")

	scriptLsCmd.Flags().StringVarP(&scriptWorkspaceRef, "workspace", "w", ".", "Workspace id or directory")

	for _, c := range []*cobra.Command{scriptRunCmd, scriptExecCmd} {
		c.Flags().StringArrayVar(&scriptFlagValues, "flag", nil, "Flag value as name=value (repeatable)")
		c.Flags().StringArrayVar(&scriptEnvValues, "env", nil, "Environment variable as KEY=value (repeatable)")
	}

	ScriptCmd.AddCommand(scriptAddCmd)
	ScriptCmd.AddCommand(scriptLsCmd)
	ScriptCmd.AddCommand(scriptShowCmd)
	ScriptCmd.AddCommand(scriptRmCmd)
	ScriptCmd.AddCommand(scriptRunCmd)
	ScriptCmd.AddCommand(scriptExecCmd)
}

func runnerList() string {
	kinds := script.RunnerKinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func runScriptAdd(cmd *cobra.Command, args []string) error {
	flags, err := parseFlagDecls(scriptFlagDecls)
	if err != nil {
		return err
	}

	rt, err := openRuntime(events.Nop{})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	ws, err := rt.resolveWorkspace(ctx, scriptWorkspaceRef)
	if err != nil {
		return err
	}

	def := scriptDef
	def.WorkspaceID = ws.ID
	def.Flags = flags
	sc, err := rt.scripts.Create(ctx, &def)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), sc, func() pterm.TableData {
		return scriptRows([]*script.Script{sc})
	})
}

func runScriptLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	ws, err := workspace.NewStore(database).Resolve(ctx, scriptWorkspaceRef)
	if err != nil {
		return err
	}
	list, err := script.NewStore(database).List(ctx, ws.ID)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), list, func() pterm.TableData {
		return scriptRows(list)
	})
}

func runScriptShow(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	sc, err := script.NewStore(database).Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), sc, func() pterm.TableData {
		data := pterm.TableData{
			{"Key", "Value"},
			{"ID", sc.ID},
			{"Name", sc.Name},
			{"Runner", string(sc.Runner)},
			{"File", sc.FilePath},
			{"Command", sc.Command},
			{"Directory", sc.WorkingDirectory},
			{"Category", sc.Category},
		}
		for _, f := range sc.Flags {
			data = append(data, []string{"--" + f.Name, flagLabel(f)})
		}
		return data
	})
}

func runScriptRm(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := script.NewStore(database).Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printfln("Removed script %s", args[0])
	return nil
}

func runScriptRun(cmd *cobra.Command, args []string) error {
	req, err := scriptRequest(args[0])
	if err != nil {
		return err
	}

	rt, err := openRuntime(streamEmitter(cmd.OutOrStdout(), cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rt.reconcile(ctx)

	started, err := rt.scripts.Start(context.WithoutCancel(ctx), req)
	if err != nil {
		if started != nil {
			pterm.Warning.Printfln("script run %s recorded as %s", started.ID, started.Status)
		}
		return err
	}
	pterm.Info.Printfln("%s script %s (run %s, pid %d)", sym.Script, req.ScriptID, started.ID, started.PID)

	var finished *script.Run
	err = waitForeground(ctx, started.ID,
		func(ctx context.Context) error {
			r, err := rt.scripts.Wait(ctx, started.ID)
			if err == nil {
				finished = r
			}
			return err
		},
		func(ctx context.Context) error { return rt.scripts.Cancel(ctx, started.ID) },
	)
	if err != nil {
		return err
	}
	return reportOutcome(finished.ID, finished.Status, finished.ExitCode)
}

func runScriptExec(cmd *cobra.Command, args []string) error {
	req, err := scriptRequest(args[0])
	if err != nil {
		return err
	}

	rt, err := openRuntime(events.Nop{})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := rt.scripts.Execute(ctx, req)
	if err != nil {
		return err
	}
	if outputFormat == "json" || outputFormat == "yaml" {
		if err := printResult(cmd.OutOrStdout(), r, nil); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), r.Logs)
	}
	return reportOutcome(r.ID, r.Status, r.ExitCode)
}

func scriptRequest(id string) (script.StartRequest, error) {
	flags, err := parseAssignments("--flag", scriptFlagValues)
	if err != nil {
		return script.StartRequest{}, err
	}
	env, err := parseAssignments("--env", scriptEnvValues)
	if err != nil {
		return script.StartRequest{}, err
	}
	return script.StartRequest{ScriptID: id, Flags: flags, Env: env}, nil
}

// parseAssignments turns name=value pairs into a map
func parseAssignments(option string, pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, errors.NewValidationError("%s %q: expected name=value", option, p)
		}
		out[name] = value
	}
	return out, nil
}

// parseFlagDecls parses name:type[:required][=default] declarations
func parseFlagDecls(decls []string) ([]script.Flag, error) {
	flags := make([]script.Flag, 0, len(decls))
	for _, d := range decls {
		spec, def, hasDefault := strings.Cut(d, "=")
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, errors.NewValidationError("--flag %q: expected name:type[:required][=default]", d)
		}
		f := script.Flag{Name: parts[0], Type: script.FlagType(parts[1])}
		if !f.Type.Valid() {
			return nil, errors.NewValidationError("--flag %q: unknown type %q", d, parts[1])
		}
		if len(parts) == 3 {
			if parts[2] != "required" {
				return nil, errors.NewValidationError("--flag %q: unexpected %q", d, parts[2])
			}
			f.Required = true
		}
		if hasDefault {
			f.Default = &def
		}
		flags = append(flags, f)
	}
	return flags, nil
}

func flagLabel(f script.Flag) string {
	label := string(f.Type)
	if f.Required {
		label += ", required"
	}
	if f.Default != nil {
		label += fmt.Sprintf(", default %q", *f.Default)
	}
	return label
}

func scriptRows(list []*script.Script) pterm.TableData {
	data := pterm.TableData{{"ID", "Name", "Runner", "Target", "Flags", "Category"}}
	for _, sc := range list {
		target := sc.FilePath
		if target == "" {
			target = sc.Command
		}
		names := make([]string, len(sc.Flags))
		for i, f := range sc.Flags {
			names[i] = f.Name
		}
		sort.Strings(names)
		data = append(data, []string{sc.ID, sc.Name, string(sc.Runner), target, strings.Join(names, " "), sc.Category})
	}
	return data
}

func scriptRunRows(list []*script.Run) pterm.TableData {
	data := pterm.TableData{{"ID", "Status", "Exit", "Started", "Duration"}}
	for _, r := range list {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		data = append(data, []string{
			r.ID,
			statusLabel(r.Status),
			exitCodeLabel(r.ExitCode),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
		})
	}
	return data
}
