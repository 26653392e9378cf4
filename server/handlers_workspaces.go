package server

import (
	"context"
	"net/http"

	"github.com/teranos/kiln/run"
	"github.com/teranos/kiln/toolchain"
)

// CreateWorkspaceRequest registers a project directory
type CreateWorkspaceRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// StartRunRequest starts a build, test or deploy run
type StartRunRequest struct {
	RunType string `json:"runType"`
	Script  string `json:"script,omitempty"` // deploy only
}

// HandleWorkspaces handles GET (list) and POST (register) on /api/workspaces
func (s *Server) HandleWorkspaces(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.workspaces.List(r.Context())
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	case http.MethodPost:
		var req CreateWorkspaceRequest
		if err := readJSON(w, r, &req); err != nil {
			return
		}
		ws, err := s.workspaces.Create(r.Context(), req.Name, req.Path)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, ws)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleWorkspace routes /api/workspaces/{id}[/project|/runs]
func (s *Server) HandleWorkspace(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/workspaces/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	id := parts[0]

	if len(parts) == 2 {
		switch parts[1] {
		case "runs":
			s.handleWorkspaceRuns(w, r, id)
		case "project":
			s.handleWorkspaceProject(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "Not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		ws, err := s.workspaces.Get(r.Context(), id)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ws)

	case http.MethodDelete:
		if err := s.workspaces.Delete(r.Context(), id); err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleWorkspaceRuns(w http.ResponseWriter, r *http.Request, workspaceID string) {
	switch r.Method {
	case http.MethodGet:
		var kind *run.Kind
		if t := r.URL.Query().Get("type"); t != "" {
			k, err := toolchain.ParseAction(t)
			if err != nil {
				s.writeErrorFor(w, r, err)
				return
			}
			kind = &k
		}
		runs, err := s.runs.List(r.Context(), workspaceID, kind)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)

	case http.MethodPost:
		var req StartRunRequest
		if err := readJSON(w, r, &req); err != nil {
			return
		}
		kind, err := toolchain.ParseAction(req.RunType)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		// The process outlives this request
		started, err := s.runs.Start(context.WithoutCancel(r.Context()), workspaceID, kind, req.Script)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, started)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleWorkspaceProject(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ws, err := s.workspaces.Get(r.Context(), workspaceID)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	project, err := toolchain.Describe(ws.Path)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}
