package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/proc"
	"github.com/teranos/kiln/sym"
)

var outputFormat string

// AddOutputFlag registers -o/--output on cmd for all subcommands
func AddOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
}

// printResult writes v as JSON or YAML, or renders rows as a table
func printResult(w io.Writer, v any, rows func() pterm.TableData) error {
	switch outputFormat {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal JSON")
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "failed to marshal YAML")
		}
		fmt.Fprint(w, string(data))
	case "", "table":
		data := rows()
		if len(data) <= 1 {
			pterm.Info.Println("Nothing to show")
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(w).Render()
	default:
		return errors.NewValidationError("unsupported output format: %s (supported: table, json, yaml)", outputFormat)
	}
	return nil
}

// statusLabel renders a run status with its symbol
func statusLabel(status proc.Status) string {
	switch status {
	case proc.StatusRunning:
		return sym.Running + " " + string(status)
	case proc.StatusSuccess:
		return pterm.Green(sym.Success + " " + string(status))
	case proc.StatusFailed:
		return pterm.Red(sym.Failed + " " + string(status))
	case proc.StatusCancelled:
		return pterm.Yellow(sym.Cancelled + " " + string(status))
	default:
		return string(status)
	}
}

func exitCodeLabel(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprint(*code)
}

// RunFailedError reports a foreground run that did not succeed
type RunFailedError struct {
	RunID    string
	Status   proc.Status
	ExitCode *int
}

func (e *RunFailedError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("run %s %s with exit code %d", e.RunID, e.Status, *e.ExitCode)
	}
	return fmt.Sprintf("run %s %s", e.RunID, e.Status)
}

// ExitCode maps a command error to the process exit status: a failed
// foreground run exits with the child's code, cancellation with 130.
func ExitCode(err error) int {
	var failed *RunFailedError
	if errors.As(err, &failed) {
		switch {
		case failed.Status == proc.StatusCancelled:
			return 130
		case failed.ExitCode != nil && *failed.ExitCode > 0:
			return *failed.ExitCode
		}
	}
	return 1
}

// verbosityOf returns the -v count given to cmd
func verbosityOf(cmd *cobra.Command) int {
	v, _ := cmd.Flags().GetCount("verbose")
	return v
}
