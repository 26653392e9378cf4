// Package logger holds kiln's global structured logger and the field names
// shared by every component.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide logger. It is a no-op until initialised.
	Logger *zap.SugaredLogger
	// JSONOutput reports whether Logger writes JSON lines
	JSONOutput bool

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger at InfoLevel
func Initialize(jsonOutput bool) error {
	return InitializeWithLevel(jsonOutput, zapcore.InfoLevel)
}

// InitializeWithVerbosity sets up the global logger with a level derived from -v flags
func InitializeWithVerbosity(jsonOutput bool, verbosity int) error {
	return InitializeWithLevel(jsonOutput, VerbosityToLevel(verbosity))
}

// InitializeWithLevel sets up the global logger.
// JSON goes to stdout for machine consumption; console output goes to stderr
// so it never interleaves with command results or streamed run output.
func InitializeWithLevel(jsonOutput bool, lvl zapcore.Level) error {
	level.SetLevel(lvl)
	JSONOutput = jsonOutput

	var core zapcore.Core
	if jsonOutput {
		core = zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.Lock(os.Stdout),
			level,
		)
	} else {
		core = zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleEncoderConfig()),
			zapcore.Lock(os.Stderr),
			level,
		)
	}

	Logger = zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))).Sugar()
	return nil
}

// SetVerbosity changes the level of the current logger in place
func SetVerbosity(verbosity int) {
	level.SetLevel(VerbosityToLevel(verbosity))
}

// Level returns the current minimum level
func Level() zapcore.Level {
	return level.Level()
}

// consoleEncoderConfig is a calm human-readable layout: time, level, name, message, fields
func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.CallerKey = ""
	cfg.StacktraceKey = ""
	return cfg
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Infow logs on the global logger
func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

// Warnw logs on the global logger
func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

// Errorw logs on the global logger
func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

// Debugw logs on the global logger
func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}
