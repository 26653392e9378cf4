package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityUser  = 0 // No flags: results and errors only
	VerbosityInfo  = 1 // -v: + startup, run lifecycle
	VerbosityDebug = 2 // -vv: + commands spawned, config, SQL timing
	VerbosityTrace = 3 // -vvv: everything
)

// VerbosityToLevel maps verbosity flags (-v, -vv, etc.) to zap log levels
//
//	0 (none)  -> WarnLevel
//	1 (-v)    -> InfoLevel
//	2+ (-vv)  -> DebugLevel
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// OutputCategory defines a category of output that can be enabled/disabled
// independently of log severity.
type OutputCategory int

const (
	OutputResults   OutputCategory = iota // Command results, run records
	OutputErrors                          // Errors with hints
	OutputLifecycle                       // Run started/finished
	OutputCommands                        // Resolved argv before spawn
	OutputConfig                          // Which config files were loaded
)

var categoryLevels = map[OutputCategory]int{
	OutputResults:   VerbosityUser,
	OutputErrors:    VerbosityUser,
	OutputLifecycle: VerbosityInfo,
	OutputCommands:  VerbosityDebug,
	OutputConfig:    VerbosityInfo,
}

// ShouldOutput returns true if the given category should be shown at the given verbosity
func ShouldOutput(verbosity int, category OutputCategory) bool {
	minLevel, ok := categoryLevels[category]
	if !ok {
		return verbosity >= VerbosityTrace
	}
	return verbosity >= minLevel
}

// LevelName returns a human-readable name for verbosity level
func LevelName(verbosity int) string {
	switch {
	case verbosity <= VerbosityUser:
		return "User"
	case verbosity == VerbosityInfo:
		return "Info (-v)"
	case verbosity == VerbosityDebug:
		return "Debug (-vv)"
	default:
		return "Trace (-vvv)"
	}
}
