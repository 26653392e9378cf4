//go:build !windows

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/kiln/events"
	kilntest "github.com/teranos/kiln/internal/testing"
	"github.com/teranos/kiln/proc"
	"github.com/teranos/kiln/proc/logsink"
	"github.com/teranos/kiln/run"
	"github.com/teranos/kiln/script"
	"github.com/teranos/kiln/workspace"
)

type testServer struct {
	srv   *Server
	http  *httptest.Server
	runs  *run.Service
	wsDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	bin := t.TempDir()
	forge := "#!/bin/sh\necho \"forge $*\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "forge"), []byte(forge), 0o755))
	t.Setenv("PATH", bin+":/usr/bin:/bin")

	db := kilntest.CreateTestDB(t)
	wsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wsDir, "foundry.toml"), []byte("[profile.default]\nsrc = \"contracts\"\n"), 0o644))

	sink, err := logsink.New(0)
	require.NoError(t, err)
	t.Cleanup(sink.Close)

	engine := proc.NewEngine(proc.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	origins := []string{"http://localhost"}
	hub := events.NewHub(events.HubOptions{AllowedOrigins: origins})
	t.Cleanup(hub.Close)

	workspaces := workspace.NewStore(db)
	runs := run.NewService(run.Config{
		Store: run.NewStore(db), Workspaces: workspaces, Engine: engine,
		Sink: sink, Emitter: hub, Retention: time.Minute,
	})
	scripts := script.NewService(script.Config{
		Store: script.NewStore(db), Workspaces: workspaces, Engine: engine,
		Sink: sink, Emitter: hub, Retention: time.Minute,
	})

	srv := New(Config{
		Runs:           runs,
		Scripts:        scripts,
		Workspaces:     workspaces,
		Hub:            hub,
		AllowedOrigins: origins,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, http: ts, runs: runs, wsDir: wsDir}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (ts *testServer) createWorkspace(t *testing.T) workspace.Workspace {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/workspaces", CreateWorkspaceRequest{Path: ts.wsDir})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var ws workspace.Workspace
	require.NoError(t, json.Unmarshal(body, &ws))
	return ws
}

func decodeError(t *testing.T, body []byte) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "running", health.Status)
	assert.Equal(t, 0, health.ActiveRuns)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, _ = ts.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWorkspaceEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.createWorkspace(t)
	assert.Equal(t, filepath.Base(ts.wsDir), ws.Name)

	resp, body := ts.do(t, http.MethodPost, "/api/workspaces", CreateWorkspaceRequest{Path: ts.wsDir})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", decodeError(t, body).Kind)

	resp, body = ts.do(t, http.MethodGet, "/api/workspaces", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []workspace.Workspace
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, body = ts.do(t, http.MethodGet, "/api/workspaces/"+ws.ID+"/project", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"framework":"foundry"`)
	assert.Contains(t, string(body), `"sourceDir":"contracts"`)

	resp, body = ts.do(t, http.MethodGet, "/api/workspaces/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, body).Kind)

	resp, _ = ts.do(t, http.MethodDelete, "/api/workspaces/"+ws.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStartRunAndReadLogs(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.createWorkspace(t)

	resp, body := ts.do(t, http.MethodPost, "/api/workspaces/"+ws.ID+"/runs", StartRunRequest{RunType: "build"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var started run.Run
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, proc.StatusRunning, started.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := ts.runs.Wait(ctx, started.ID)
	require.NoError(t, err)

	resp, body = ts.do(t, http.MethodGet, "/api/runs/"+started.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done run.Run
	require.NoError(t, json.Unmarshal(body, &done))
	assert.Equal(t, proc.StatusSuccess, done.Status)

	resp, body = ts.do(t, http.MethodGet, "/api/runs/"+started.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lines []run.LogLine
	require.NoError(t, json.Unmarshal(body, &lines))
	require.Len(t, lines, 1)
	assert.Equal(t, "forge build", lines[0].Line)

	resp, body = ts.do(t, http.MethodGet, "/api/workspaces/"+ws.ID+"/runs?type=build", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []run.Run
	require.NoError(t, json.Unmarshal(body, &runs))
	assert.Len(t, runs, 1)
}

func TestStartRunValidation(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.createWorkspace(t)

	resp, body := ts.do(t, http.MethodPost, "/api/workspaces/"+ws.ID+"/runs", StartRunRequest{RunType: "lint"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", decodeError(t, body).Kind)

	resp, body = ts.do(t, http.MethodPost, "/api/workspaces/"+ws.ID+"/runs", StartRunRequest{RunType: "deploy"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, decodeError(t, body).Error)

	resp, body = ts.do(t, http.MethodGet, "/api/workspaces/"+ws.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))
}

func TestCancelUnknownRun(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/runs/nope/cancel", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	e := decodeError(t, body)
	assert.Equal(t, "no active process for run: nope", e.Error)
	assert.Equal(t, "not_found", e.Kind)

	resp, _ = ts.do(t, http.MethodGet, "/api/runs/nope/cancel", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/script-runs/nope/cancel", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no active process for run: nope", decodeError(t, body).Error)
}

func TestScriptEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.createWorkspace(t)

	resp, body := ts.do(t, http.MethodPost, "/api/scripts", script.Script{
		WorkspaceID: ws.ID,
		Name:        "hello",
		Runner:      script.RunnerCustom,
		Command:     "echo hello",
		Flags:       []script.Flag{{Name: "--to", Type: script.FlagString, Required: true}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sc script.Script
	require.NoError(t, json.Unmarshal(body, &sc))

	resp, body = ts.do(t, http.MethodGet, "/api/scripts?workspace="+ws.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []script.Script
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, _ = ts.do(t, http.MethodGet, "/api/scripts", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Required flag missing: nothing recorded
	resp, body = ts.do(t, http.MethodPost, "/api/scripts/"+sc.ID+"/runs", StartScriptRequest{Wait: true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "required flag missing: --to", decodeError(t, body).Error)

	resp, body = ts.do(t, http.MethodPost, "/api/scripts/"+sc.ID+"/runs", StartScriptRequest{
		Flags: map[string]string{"--to": "world"},
		Wait:  true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var finished script.Run
	require.NoError(t, json.Unmarshal(body, &finished))
	assert.Equal(t, proc.StatusSuccess, finished.Status)
	assert.Equal(t, "hello --to world\n", finished.Logs)

	resp, body = ts.do(t, http.MethodGet, "/api/script-runs/"+finished.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"logs":"hello --to world\n"`)

	resp, body = ts.do(t, http.MethodGet, "/api/scripts/"+sc.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []script.Run
	require.NoError(t, json.Unmarshal(body, &runs))
	assert.Len(t, runs, 1)

	resp, _ = ts.do(t, http.MethodDelete, "/api/scripts/"+sc.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/api/scripts/"+sc.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.http.URL+"/api/workspaces", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodOptions, ts.http.URL+"/api/workspaces", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, ServerStateStopped, ts.srv.getState())
}

func TestExtractPathParts(t *testing.T) {
	assert.Equal(t, []string{"abc", "logs"}, extractPathParts("/api/runs/abc/logs", "/api/runs/"))
	assert.Equal(t, []string{"abc"}, extractPathParts("/api/runs/abc/", "/api/runs/"))
	assert.Nil(t, extractPathParts("/api/runs/", "/api/runs/"))
}
