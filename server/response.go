package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/logger"
)

// errorResponse is the JSON body of every non-2xx reply
type errorResponse struct {
	Error string   `json:"error"`
	Kind  string   `json:"kind,omitempty"`
	Hints []string `json:"hints,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeErrorFor maps an error's kind to a status code and writes it
func (s *Server) writeErrorFor(w http.ResponseWriter, r *http.Request, err error) {
	kind := errors.Kind(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), s.logger).Errorw("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"kind", kind,
			"error", err)
	}
	writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Kind:  kind,
		Hints: errors.GetAllHints(err),
	})
}

func statusFor(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "validation":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return err
	}
	return nil
}

// requireMethod checks if the request method matches the expected method
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// extractPathParts extracts non-empty path segments after removing a prefix
func extractPathParts(urlPath, prefix string) []string {
	var parts []string
	for _, p := range strings.Split(strings.TrimPrefix(urlPath, prefix), "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
