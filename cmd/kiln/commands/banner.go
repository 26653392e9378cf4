package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/sym"
	"github.com/teranos/kiln/version"
)

// printStartupBanner prints the server's address and build information
func printStartupBanner(port int, dbPath string, verbosity int) {
	info := version.Get()

	var b strings.Builder
	fmt.Fprintf(&b, "%s Workspaces  %s Runs  %s Scripts\n\n", sym.Workspace, sym.Run, sym.Script)
	fmt.Fprintf(&b, "API:       http://127.0.0.1:%d/api\n", port)
	fmt.Fprintf(&b, "Events:    ws://127.0.0.1:%d/ws\n", port)
	fmt.Fprintf(&b, "Version:   %s (commit %s)\n", info.Version, info.Short())
	fmt.Fprintf(&b, "Verbosity: %s\n", logger.LevelName(verbosity))
	fmt.Fprintf(&b, "Database:  %s", dbPath)

	pterm.Println()
	pterm.DefaultBox.WithTitle(pterm.Cyan(sym.Serve + " kiln")).Println(b.String())
	pterm.Info.Println("Press Ctrl+C to stop")
}
