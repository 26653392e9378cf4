// Package server exposes kiln over HTTP: workspace, run and script endpoints
// under /api, the live event stream at /ws and a health check.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/events"
	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/run"
	"github.com/teranos/kiln/script"
	"github.com/teranos/kiln/workspace"
)

// ServerState is the lifecycle phase reported by /health
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// HTTP server timeouts. WriteTimeout stays zero so /ws connections live on.
const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Config wires a Server
type Config struct {
	Runs           *run.Service
	Scripts        *script.Service
	Workspaces     *workspace.Store
	Hub            *events.Hub // nil disables /ws
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// Server serves the kiln HTTP API
type Server struct {
	runs       *run.Service
	scripts    *script.Service
	workspaces *workspace.Store
	hub        *events.Hub
	origins    []string
	logger     *zap.SugaredLogger

	state   atomic.Int32
	started time.Time
	mux     *http.ServeMux
}

// New creates a server with all routes registered
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Logger
	}
	s := &Server{
		runs:       cfg.Runs,
		scripts:    cfg.Scripts,
		workspaces: cfg.Workspaces,
		hub:        cfg.Hub,
		origins:    cfg.AllowedOrigins,
		logger:     log.Named("server"),
		started:    time.Now(),
		mux:        http.NewServeMux(),
	}
	s.setupHTTPRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Infow("Server state changed", "new_state", state.String())
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests and closes the event hub.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", logger.FieldAddress, addr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.setState(ServerStateStopped)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "failed to listen on %s", addr)
	case <-ctx.Done():
	}

	s.setState(ServerStateDraining)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if s.hub != nil {
		s.hub.Close()
	}
	err := httpServer.Shutdown(shutdownCtx)
	s.setState(ServerStateStopped)
	if err != nil {
		return errors.Wrap(err, "failed to shut down http server")
	}
	return nil
}
