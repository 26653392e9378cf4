package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/kiln/am"
	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage kiln configuration",
	Long: sym.AM + ` am: Manage kiln configuration

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/kiln/am.toml)
3. User config (~/.kiln/am.toml)
4. Project config (./am.toml, searched upward)
5. Environment variables (KILN_* prefix)

Examples:
  kiln am show                    # Show current configuration
  kiln am show --format json      # Show configuration in JSON format
  kiln am init                    # Write defaults to ~/.kiln/am.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective kiln configuration and the files it was merged from",
	RunE:  runAmShow,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with every default",
	Long:  "Write a TOML config file holding every default setting. Defaults to ~/.kiln/am.toml.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var (
	configFormat string
	amInitForce  bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().BoolVar(&amInitForce, "force", false, "Overwrite an existing file (the old one is kept as .back1)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	out := cmd.OutOrStdout()

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(out, string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# kiln configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(out, "# kiln configuration\n%s", string(data))

	default:
		return errors.NewValidationError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	if !logger.ShouldOutput(verbosityOf(cmd), logger.OutputConfig) {
		return nil
	}
	files := am.LoadedFiles()
	if len(files) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "# no config files found, showing defaults")
	}
	for _, f := range files {
		fmt.Fprintf(cmd.ErrOrStderr(), "# merged %s\n", f)
	}
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := am.UserConfigPath()
	if len(args) == 1 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return errors.Wrapf(err, "invalid path %s", args[0])
		}
		path = abs
	}
	if path == "" {
		return errors.New("cannot determine home directory; pass a path")
	}

	if err := am.WriteDefaults(path, amInitForce); err != nil {
		return err
	}
	pterm.Success.Printfln("Wrote defaults to %s", path)
	return nil
}
