// Package sym defines canonical symbols for kiln commands and system markers.
// These symbols are stable across CLI output, log fields, and the live stream.
package sym

// Command symbols.
const (
	AM        = "≡" // am: configuration and system settings
	Workspace = "⌂" // workspace: project roots that own runs
	Run       = "▶" // run: build/test/deploy actions
	Script    = "ƒ" // script: user-defined runner invocations
	Detect    = "⌕" // detect: toolchain marker probing
	Serve     = "⇌" // serve: HTTP, WebSocket and MCP surfaces
)

// System infrastructure symbols.
const (
	DB        = "⊔" // database/storage layer
	Proc      = "꩜" // process engine
	ProcOpen  = "✿" // startup with orphaned run reconciliation
	ProcClose = "❀" // shutdown, active runs cancelled
)

// Run status symbols.
const (
	Running   = "◌"
	Success   = "✓"
	Failed    = "✗"
	Cancelled = "■"
)

type entry struct {
	glyph       string
	command     string
	description string
}

var registry = []entry{
	{AM, "am", "Configuration and system settings"},
	{Workspace, "workspace", "Project roots that own runs and scripts"},
	{Run, "run", "Build, test and deploy a workspace"},
	{Script, "script", "Define and run scripts"},
	{Detect, "detect", "Identify a project's toolchain"},
	{Serve, "serve", "Serve the HTTP, WebSocket and MCP surfaces"},
}

// Lookup tables built from the registry at init time.
var (
	SymbolToCommand map[string]string
	CommandToSymbol map[string]string
	descriptions    map[string]string
)

func init() {
	SymbolToCommand = make(map[string]string, len(registry))
	CommandToSymbol = make(map[string]string, len(registry))
	descriptions = make(map[string]string, len(registry))
	for _, e := range registry {
		SymbolToCommand[e.glyph] = e.command
		CommandToSymbol[e.command] = e.glyph
		descriptions[e.command] = e.description
	}
}

// Description returns the one-line description for a command, or "".
func Description(command string) string {
	return descriptions[command]
}

// ForStatus returns the glyph for a run status string.
func ForStatus(status string) string {
	switch status {
	case "running":
		return Running
	case "success":
		return Success
	case "failed":
		return Failed
	case "cancelled":
		return Cancelled
	default:
		return "?"
	}
}
