// Package mcpserver exposes run management as Model Context Protocol tools
// so an assistant can start, watch and cancel builds over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/run"
	"github.com/teranos/kiln/script"
	"github.com/teranos/kiln/toolchain"
	"github.com/teranos/kiln/version"
)

// Config wires the MCP server to the run services
type Config struct {
	Runs    *run.Service
	Scripts *script.Service
	Logger  *zap.SugaredLogger
}

// Server wraps an MCP server with kiln's tools registered
type Server struct {
	runs    *run.Service
	scripts *script.Service
	log     *zap.SugaredLogger
	server  *server.MCPServer
}

// New creates an MCP server with all tools registered
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Logger
	}
	s := &Server{
		runs:    cfg.Runs,
		scripts: cfg.Scripts,
		log:     log.Named("mcp"),
	}
	s.server = server.NewMCPServer(
		"kiln",
		version.Get().Version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying server
func (s *Server) MCPServer() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.server)
}

func (s *Server) registerTools() {
	s.server.AddTool(mcp.NewTool("kiln_start_run",
		mcp.WithDescription("Start a build, test or deploy run in a registered workspace. Returns the running record."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace id")),
		mcp.WithString("run_type", mcp.Required(), mcp.Description("build, test or deploy")),
		mcp.WithString("script", mcp.Description("Deploy script path (Foundry and Hardhat deploys)")),
	), s.handleStartRun)

	s.server.AddTool(mcp.NewTool("kiln_cancel_run",
		mcp.WithDescription("Cancel an active run and return its final record"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
	), s.handleCancelRun)

	s.server.AddTool(mcp.NewTool("kiln_get_run",
		mcp.WithDescription("Get a run's status, exit code and timing"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
	), s.handleGetRun)

	s.server.AddTool(mcp.NewTool("kiln_run_logs",
		mcp.WithDescription("Get a run's output lines in order"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
	), s.handleRunLogs)

	s.server.AddTool(mcp.NewTool("kiln_list_runs",
		mcp.WithDescription("List a workspace's runs, newest first"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace id")),
		mcp.WithString("run_type", mcp.Description("Only runs of this type (build, test or deploy)")),
	), s.handleListRuns)

	s.server.AddTool(mcp.NewTool("kiln_run_script",
		mcp.WithDescription("Start a saved script with flag values and extra environment"),
		mcp.WithString("script_id", mcp.Required(), mcp.Description("Script id")),
		mcp.WithObject("flags", mcp.Description("Flag values keyed by flag name, e.g. {\"--network\": \"devnet\"}")),
		mcp.WithObject("env", mcp.Description("Extra environment variables")),
		mcp.WithBoolean("wait", mcp.Description("Run to completion and return the logs (default: false)")),
	), s.handleRunScript)

	s.server.AddTool(mcp.NewTool("kiln_cancel_script_run",
		mcp.WithDescription("Cancel an active script run and return its final record"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Script run id")),
	), s.handleCancelScriptRun)
}

func (s *Server) handleStartRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaceID, err := request.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	runType, err := request.RequireString("run_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := toolchain.ParseAction(runType)
	if err != nil {
		return toolError(err), nil
	}

	// The process outlives this call
	r, err := s.runs.Start(context.WithoutCancel(ctx), workspaceID, kind, request.GetString("script", ""))
	if err != nil {
		return toolError(err), nil
	}
	s.log.Infow("Run started via MCP", logger.FieldRunID, r.ID, logger.FieldKind, kind)
	return jsonResult(r)
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.runs.Cancel(ctx, runID); err != nil {
		return toolError(err), nil
	}
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(r)
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(r)
}

func (s *Server) handleRunLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lines, err := s.runs.Logs(ctx, runID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(lines)
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaceID, err := request.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var kind *run.Kind
	if t := request.GetString("run_type", ""); t != "" {
		k, err := toolchain.ParseAction(t)
		if err != nil {
			return toolError(err), nil
		}
		kind = &k
	}
	runs, err := s.runs.List(ctx, workspaceID, kind)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(runs)
}

func (s *Server) handleRunScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scriptID, err := request.RequireString("script_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args := request.GetArguments()
	flags, err := stringMap(args, "flags")
	if err != nil {
		return toolError(err), nil
	}
	env, err := stringMap(args, "env")
	if err != nil {
		return toolError(err), nil
	}
	req := script.StartRequest{ScriptID: scriptID, Flags: flags, Env: env}

	var r *script.Run
	if request.GetBool("wait", false) {
		r, err = s.scripts.Execute(ctx, req)
	} else {
		r, err = s.scripts.Start(context.WithoutCancel(ctx), req)
	}
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(r)
}

func (s *Server) handleCancelScriptRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.scripts.Cancel(ctx, runID); err != nil {
		return toolError(err), nil
	}
	r, err := s.scripts.GetRun(ctx, runID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(r)
}

// toolError reports err to the client as a tool-level failure tagged with its kind
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", errors.Kind(err), err.Error()))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// stringMap reads an optional object argument whose values must be strings
func stringMap(args map[string]any, key string) (map[string]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.NewValidationError("%s must be an object", key)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		str, ok := v.(string)
		if !ok {
			return nil, errors.NewValidationError("%s.%s must be a string", key, k)
		}
		out[k] = str
	}
	return out, nil
}
