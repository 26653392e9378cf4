package commands

import (
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/kiln/sym"
	"github.com/teranos/kiln/toolchain"
)

// DetectCmd identifies a project's toolchain and the commands kiln would run
var DetectCmd = &cobra.Command{
	Use:   "detect [dir]",
	Short: sym.Detect + " Identify a project's toolchain",
	Long: sym.Detect + ` detect: Identify a project's toolchain

Probes for marker files in priority order: ` + strings.Join(toolchain.MarkerFiles(), ", ") + `.

Examples:
  kiln detect                     # Current directory
  kiln detect ../program -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDetect,
}

// Detection is the structured form of `detect`
type Detection struct {
	Project  toolchain.Project `json:"project" yaml:"project"`
	Commands map[string]string `json:"commands" yaml:"commands"`
}

func runDetect(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	project, err := toolchain.Describe(dir)
	if err != nil {
		return err
	}

	result := Detection{Project: project, Commands: make(map[string]string)}
	for _, action := range toolchain.Actions {
		spec, err := toolchain.Command(project.Framework, action, "<script>")
		if err != nil {
			continue
		}
		result.Commands[string(action)] = spec.String()
	}

	return printResult(cmd.OutOrStdout(), result, func() pterm.TableData {
		data := pterm.TableData{
			{"Key", "Value"},
			{"Framework", string(project.Framework)},
			{"Marker", project.Marker},
			{"Name", project.Name},
		}
		if project.SourceDir != "" {
			data = append(data, []string{"Sources", project.SourceDir})
		}
		if len(project.Programs) > 0 {
			data = append(data, []string{"Programs", strings.Join(project.Programs, ", ")})
		}
		for _, action := range toolchain.Actions {
			if line, ok := result.Commands[string(action)]; ok {
				data = append(data, []string{string(action), line})
			}
		}
		return data
	})
}
