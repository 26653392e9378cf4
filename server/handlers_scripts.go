package server

import (
	"context"
	"net/http"

	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/script"
)

// StartScriptRequest runs a script. Wait executes it to completion and
// returns the finished run with its logs.
type StartScriptRequest struct {
	Flags map[string]string `json:"flags"`
	Env   map[string]string `json:"env"`
	Wait  bool              `json:"wait"`
}

// HandleScripts handles GET (list, ?workspace=id) and POST (create) on /api/scripts
func (s *Server) HandleScripts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		workspaceID := r.URL.Query().Get("workspace")
		if workspaceID == "" {
			writeError(w, http.StatusBadRequest, "workspace query parameter is required")
			return
		}
		list, err := s.scripts.List(r.Context(), workspaceID)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	case http.MethodPost:
		var sc script.Script
		if err := readJSON(w, r, &sc); err != nil {
			return
		}
		created, err := s.scripts.Create(r.Context(), &sc)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleScript routes /api/scripts/{id}[/runs]
func (s *Server) HandleScript(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/scripts/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	id := parts[0]

	if len(parts) == 2 {
		if parts[1] != "runs" {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		s.handleScriptRuns(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		sc, err := s.scripts.Get(r.Context(), id)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sc)

	case http.MethodPut:
		var sc script.Script
		if err := readJSON(w, r, &sc); err != nil {
			return
		}
		sc.ID = id
		updated, err := s.scripts.Update(r.Context(), &sc)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case http.MethodDelete:
		if err := s.scripts.Delete(r.Context(), id); err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleScriptRuns(w http.ResponseWriter, r *http.Request, scriptID string) {
	switch r.Method {
	case http.MethodGet:
		runs, err := s.scripts.ListRuns(r.Context(), scriptID)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)

	case http.MethodPost:
		var body StartScriptRequest
		if err := readJSON(w, r, &body); err != nil {
			return
		}
		req := script.StartRequest{ScriptID: scriptID, Flags: body.Flags, Env: body.Env}

		var (
			result *script.Run
			err    error
		)
		if body.Wait {
			// Client disconnect cancels a synchronous execution
			result, err = s.scripts.Execute(r.Context(), req)
		} else {
			result, err = s.scripts.Start(context.WithoutCancel(r.Context()), req)
		}
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleScriptRun routes /api/script-runs/{id}[/logs|/cancel]
func (s *Server) HandleScriptRun(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/script-runs/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	id := parts[0]
	r = r.WithContext(logger.WithRunID(r.Context(), id))

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		got, err := s.scripts.GetRun(r.Context(), id)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, got)

	case "logs":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		logs, err := s.scripts.RunLogs(r.Context(), id)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"runId": id, "logs": logs})

	case "cancel":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if err := s.scripts.Cancel(r.Context(), id); err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		got, err := s.scripts.GetRun(r.Context(), id)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		logger.FromContext(r.Context(), s.logger).Infow("Script run cancelled via API")
		writeJSON(w, http.StatusOK, got)

	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}
