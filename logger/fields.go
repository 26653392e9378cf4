package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across kiln.
const (
	// Identity
	FieldRunID       = "run_id"
	FieldScriptID    = "script_id"
	FieldWorkspaceID = "workspace_id"
	FieldRequestID   = "request_id"
	FieldClientID    = "client_id"

	// Components
	FieldComponent = "component"

	// Process
	FieldPID      = "pid"
	FieldProgram  = "program"
	FieldArgs     = "args"
	FieldDir      = "dir"
	FieldExitCode = "exit_code"
	FieldStream   = "stream"
	FieldRunner   = "runner"
	FieldKind     = "kind"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"
	FieldLines = "lines"

	// Status
	FieldStatus = "status"

	// Files and network
	FieldPath    = "path"
	FieldAddress = "address"
	FieldPort    = "port"
)

type contextKey string

const (
	runIDKey     contextKey = "logger_run_id"
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithRunID adds a run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		fields = append(fields, FieldRunID, runID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base with the fields carried by ctx attached.
// A nil base means the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
