package server

import (
	"net/http"
	"time"

	"github.com/teranos/kiln/version"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Commit        string  `json:"commit"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	ActiveRuns    int     `json:"active_runs"`
	Clients       int     `json:"clients"`
}

// HandleHealth reports server state and the number of live processes
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	info := version.Get()
	resp := HealthResponse{
		Status:        s.getState().String(),
		Version:       info.Version,
		Commit:        info.Short(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if s.runs != nil {
		resp.ActiveRuns = len(s.runs.Active())
	}
	if s.hub != nil {
		resp.Clients = s.hub.Clients()
	}

	status := http.StatusOK
	if s.getState() != ServerStateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
