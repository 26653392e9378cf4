//go:build !windows

package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kilntest "github.com/teranos/kiln/internal/testing"
	"github.com/teranos/kiln/proc"
	"github.com/teranos/kiln/proc/logsink"
	"github.com/teranos/kiln/run"
	"github.com/teranos/kiln/script"
	"github.com/teranos/kiln/workspace"
)

type fixture struct {
	srv     *Server
	runs    *run.Service
	scripts *script.Service
	wsID    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, "forge"), []byte("#!/bin/sh\necho \"forge $*\"\n"), 0o755))
	t.Setenv("PATH", bin+":/usr/bin:/bin")

	db := kilntest.CreateTestDB(t)
	wsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wsDir, "foundry.toml"), nil, 0o644))
	wsID := kilntest.SeedWorkspace(t, db, wsDir)

	sink, err := logsink.New(0)
	require.NoError(t, err)
	t.Cleanup(sink.Close)

	engine := proc.NewEngine(proc.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	workspaces := workspace.NewStore(db)
	runs := run.NewService(run.Config{
		Store: run.NewStore(db), Workspaces: workspaces, Engine: engine, Sink: sink, Retention: time.Minute,
	})
	scripts := script.NewService(script.Config{
		Store: script.NewStore(db), Workspaces: workspaces, Engine: engine, Sink: sink, Retention: time.Minute,
	})

	return &fixture{
		srv:     New(Config{Runs: runs, Scripts: scripts}),
		runs:    runs,
		scripts: scripts,
		wsID:    wsID,
	}
}

func (f *fixture) call(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	tool, ok := f.srv.MCPServer().ListTools()[name]
	require.True(t, ok, "tool %s not registered", name)

	result, err := tool.Handler(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestToolRegistration(t *testing.T) {
	f := newFixture(t)

	tools := f.srv.MCPServer().ListTools()
	want := []string{
		"kiln_start_run",
		"kiln_cancel_run",
		"kiln_get_run",
		"kiln_run_logs",
		"kiln_list_runs",
		"kiln_run_script",
		"kiln_cancel_script_run",
	}
	assert.Len(t, tools, len(want))
	for _, name := range want {
		assert.Contains(t, tools, name)
	}
}

func TestStartRunTool(t *testing.T) {
	f := newFixture(t)

	result := f.call(t, "kiln_start_run", map[string]any{"workspace_id": f.wsID, "run_type": "test"})
	require.False(t, result.IsError, resultText(t, result))

	var started run.Run
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &started))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := f.runs.Wait(ctx, started.ID)
	require.NoError(t, err)

	result = f.call(t, "kiln_get_run", map[string]any{"run_id": started.ID})
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), `"status": "success"`)

	result = f.call(t, "kiln_run_logs", map[string]any{"run_id": started.ID})
	require.False(t, result.IsError)
	var lines []run.LogLine
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &lines))
	require.Len(t, lines, 1)
	assert.Equal(t, "forge test -vvv", lines[0].Line)

	result = f.call(t, "kiln_list_runs", map[string]any{"workspace_id": f.wsID, "run_type": "build"})
	require.False(t, result.IsError)
	assert.JSONEq(t, "[]", resultText(t, result))
}

func TestToolErrorsCarryKind(t *testing.T) {
	f := newFixture(t)

	result := f.call(t, "kiln_start_run", map[string]any{"workspace_id": f.wsID, "run_type": "lint"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "validation: ")

	result = f.call(t, "kiln_cancel_run", map[string]any{"run_id": "ghost"})
	assert.True(t, result.IsError)
	assert.Equal(t, "not_found: no active process for run: ghost", resultText(t, result))

	result = f.call(t, "kiln_get_run", map[string]any{})
	assert.True(t, result.IsError)

	result = f.call(t, "kiln_cancel_script_run", map[string]any{"run_id": "ghost"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not_found: ")
}

func TestRunScriptTool(t *testing.T) {
	f := newFixture(t)
	sc, err := f.scripts.Create(context.Background(), &script.Script{
		WorkspaceID: f.wsID,
		Name:        "greet",
		Runner:      script.RunnerCustom,
		Command:     `echo "hi $WHO"`,
		Flags:       []script.Flag{{Name: "--loud", Type: script.FlagBoolean}},
	})
	require.NoError(t, err)

	result := f.call(t, "kiln_run_script", map[string]any{
		"script_id": sc.ID,
		"flags":     map[string]any{"--loud": "true"},
		"env":       map[string]any{"WHO": "kiln"},
		"wait":      true,
	})
	require.False(t, result.IsError, resultText(t, result))

	var r script.Run
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &r))
	assert.Equal(t, proc.StatusSuccess, r.Status)
	assert.Equal(t, "hi kiln --loud\n", r.Logs)

	result = f.call(t, "kiln_run_script", map[string]any{
		"script_id": sc.ID,
		"flags":     map[string]any{"--loud": true},
	})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "flags.--loud must be a string")
}

func TestStringMap(t *testing.T) {
	m, err := stringMap(map[string]any{}, "flags")
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = stringMap(map[string]any{"flags": "x"}, "flags")
	assert.Error(t, err)
}
