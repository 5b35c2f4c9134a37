// Package server is the control plane's HTTP surface: the operator API for
// executions and the callback API agents report through.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mkoppel/testrig/internal/dispatch"
	"github.com/mkoppel/testrig/internal/metrics"
	"github.com/mkoppel/testrig/internal/store"
)

// Waker nudges the dispatcher after state changes that can unblock work.
type Waker interface {
	Wake()
}

// Server is the control plane HTTP server.
type Server struct {
	httpServer *http.Server
	store      *store.Store
	dispatcher Waker
	stopper    *dispatch.Stopper
	aggregator *dispatch.Aggregator
	mediaRoot  string
	log        *slog.Logger
}

// Config holds dependencies for building a Server.
type Config struct {
	Host       string
	Port       int
	Store      *store.Store
	Dispatcher Waker
	Stopper    *dispatch.Stopper
	Aggregator *dispatch.Aggregator
	MediaRoot  string
	Logger     *slog.Logger
}

// NewServer creates the control plane server.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		stopper:    cfg.Stopper,
		aggregator: cfg.Aggregator,
		mediaRoot:  cfg.MediaRoot,
		log:        log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	// Operator API
	r.Post("/api/executions", s.handleCreateExecution)
	r.Get("/api/executions", s.handleListExecutions)
	r.Get("/api/executions/{id}", s.handleGetExecution)
	r.Post("/api/executions/{id}/stop", s.handleStopExecution)
	r.Get("/api/workers", s.handleListWorkers)
	r.Post("/api/distribute", s.handleDistribute)
	r.Post("/api/tasks/{id}/redistribute", s.handleRedistribute)

	// Agent callback API
	r.Post("/api/executor/register", s.handleRegister)
	r.Post("/api/executor/heartbeat", s.handleHeartbeat)
	r.Get("/api/executions/{id}/status_check", s.handleStatusCheck)
	r.Post("/api/tasks/{id}/start", s.handleTaskStart)
	r.Post("/api/tasks/{id}/result", s.handleTaskResult)
	r.Post("/api/tasks/{id}/screenshot", s.handleScreenshot)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
	return s
}

// Handler exposes the router. Tests drive it through httptest.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info("control plane listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
