package server

import (
	"net/http"

	"github.com/teranos/kiln/logger"
)

// HandleRun routes /api/runs/{id}[/logs|/cancel]
func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/runs/")
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
		got, err := s.runs.Get(r.Context(), id)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, got)

	case "logs":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		lines, err := s.runs.Logs(r.Context(), id)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, lines)

	case "cancel":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if err := s.runs.Cancel(r.Context(), id); err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		got, err := s.runs.Get(r.Context(), id)
		if err != nil {
			s.writeErrorFor(w, r, err)
			return
		}
		logger.FromContext(r.Context(), s.logger).Infow("Run cancelled via API")
		writeJSON(w, http.StatusOK, got)

	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}
