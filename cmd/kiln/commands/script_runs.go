package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/kiln/script"
	"github.com/teranos/kiln/sym"
)

// ScriptRunsCmd inspects and cancels script runs
var ScriptRunsCmd = &cobra.Command{
	Use:   "script-runs",
	Short: sym.Script + " Inspect and cancel script runs",
	Long: sym.Script + ` script-runs: Inspect and cancel script runs

Examples:
  kiln script-runs ls <script-id>
  kiln script-runs logs <run-id>
  kiln script-runs cancel <run-id>      # Cancel a run started by kiln serve`,
}

var scriptRunsLsCmd = &cobra.Command{
	Use:     "ls <script-id>",
	Aliases: []string{"list"},
	Short:   "List a script's runs, newest first",
	Args:    cobra.ExactArgs(1),
	RunE:    runScriptRunsLs,
}

var scriptRunsLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Print a script run's logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptRunsLogs,
}

var scriptRunsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel an active script run on the kiln server",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptRunsCancel,
}

func init() {
	ScriptRunsCmd.PersistentFlags().StringVar(&serverURL, "server", "", "kiln server URL (default: http://127.0.0.1:<server.port>)")

	ScriptRunsCmd.AddCommand(scriptRunsLsCmd)
	ScriptRunsCmd.AddCommand(scriptRunsLogsCmd)
	ScriptRunsCmd.AddCommand(scriptRunsCancelCmd)
}

func runScriptRunsLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := script.NewStore(database)
	if _, err := store.Get(cmd.Context(), args[0]); err != nil {
		return err
	}
	list, err := store.ListRuns(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), list, func() pterm.TableData {
		return scriptRunRows(list)
	})
}

func runScriptRunsLogs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	r, err := script.NewStore(database).GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if outputFormat == "json" || outputFormat == "yaml" {
		return printResult(cmd.OutOrStdout(), map[string]string{"runId": r.ID, "logs": r.Logs}, nil)
	}
	fmt.Fprint(cmd.OutOrStdout(), r.Logs)
	return nil
}

func runScriptRunsCancel(cmd *cobra.Command, args []string) error {
	var r script.Run
	if err := postAPI(context.WithoutCancel(cmd.Context()), "/api/script-runs/"+args[0]+"/cancel", &r); err != nil {
		return err
	}
	pterm.Success.Printfln("Script run %s %s", r.ID, r.Status)
	return nil
}
