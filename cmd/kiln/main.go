package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/kiln/cmd/kiln/commands"
	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/logger"
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "kiln - build, test and deploy smart-contract projects",
	Long: `kiln - Run management for smart-contract workspaces.

kiln detects a project's toolchain (Foundry, Anchor, Aptos Move, Hardhat),
runs build, test and deploy actions and user-defined scripts as child
processes, streams their output and records every run.

Available commands:
  am          - Manage kiln configuration
  db          - Migrate and inspect the database
  workspace   - Register project directories
  detect      - Identify a project's toolchain
  run         - Build, test or deploy a workspace in the foreground
  runs        - Inspect and cancel runs
  script      - Define and run scripts
  script-runs - Inspect script runs
  serve       - Serve the HTTP API and live event stream
  mcp         - Serve MCP tools over stdio

Examples:
  kiln workspace add .          # Register the current directory
  kiln run build                # Build the current workspace
  kiln runs ls -o json          # List runs as JSON
  kiln serve                    # Start the API on the configured port`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
	commands.AddOutputFlag(rootCmd)

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.WorkspaceCmd)
	rootCmd.AddCommand(commands.DetectCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.ScriptCmd)
	rootCmd.AddCommand(commands.ScriptRunsCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MCPCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(commands.ExitCode(err))
	}
}
