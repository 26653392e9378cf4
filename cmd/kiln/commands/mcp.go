package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/kiln/events"
	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/mcpserver"
	"github.com/teranos/kiln/sym"
)

// MCPCmd serves run management tools over the Model Context Protocol
var MCPCmd = &cobra.Command{
	Use:   "mcp",
	Short: sym.Serve + " Serve run tools over MCP (stdio)",
	Long: sym.Serve + ` mcp: Serve run tools over the Model Context Protocol

Speaks MCP on stdin/stdout so an assistant can start, watch and cancel
runs. Logs go to stderr.

Example client configuration:
  {"command": "kiln", "args": ["mcp"]}`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	// stdout belongs to the protocol
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if err := logger.InitializeWithVerbosity(false, verbosity); err != nil {
		return err
	}

	rt, err := openRuntime(events.Nop{})
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.reconcile(cmd.Context())

	return mcpserver.New(mcpserver.Config{
		Runs:    rt.runs,
		Scripts: rt.scripts,
		Logger:  logger.Logger,
	}).ServeStdio()
}
