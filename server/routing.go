package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/teranos/kiln/events"
	"github.com/teranos/kiln/logger"
)

// requestIDHeader carries the id echoed on every response and attached to its log entries
const requestIDHeader = "X-Request-ID"

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	if s.hub != nil {
		s.mux.Handle("/ws", s.hub) // run-output and run-status events
	}

	s.mux.HandleFunc("/api/workspaces", s.corsMiddleware(s.HandleWorkspaces))  // List/register workspaces (GET/POST)
	s.mux.HandleFunc("/api/workspaces/", s.corsMiddleware(s.HandleWorkspace))  // Get/delete a workspace, start/list its runs
	s.mux.HandleFunc("/api/runs/", s.corsMiddleware(s.HandleRun))              // Run record (GET), logs (GET /logs), cancel (POST /cancel)
	s.mux.HandleFunc("/api/scripts", s.corsMiddleware(s.HandleScripts))        // List/create scripts (GET/POST)
	s.mux.HandleFunc("/api/scripts/", s.corsMiddleware(s.HandleScript))        // Script CRUD, start/list its runs
	s.mux.HandleFunc("/api/script-runs/", s.corsMiddleware(s.HandleScriptRun)) // Script run (GET), logs (GET /logs), cancel (POST /cancel)
}

// corsMiddleware adds CORS headers for allowed origins, answers preflight
// requests and tags the request with an id for logging.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		r = r.WithContext(logger.WithRequestID(logger.WithComponent(r.Context(), "http"), requestID))

		origin := r.Header.Get("Origin")
		if origin != "" && events.OriginAllowed(origin, s.origins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
