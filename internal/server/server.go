// Package server exposes the orchestrator's HTTP surface: conversation
// collection, manual training triggers, status, history, events, metrics,
// settings and cleanup.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/tuneloop/internal/coordinator"
	"github.com/tjfontaine/tuneloop/internal/events"
	"github.com/tjfontaine/tuneloop/internal/version"
)

type Server struct {
	Router *chi.Mux
	Port   int

	coord    *coordinator.Coordinator
	versions *version.Manager
	events   *events.Log

	keepDays int
	httpSrv  *http.Server
	logger   *slog.Logger
}

func New(port int, coord *coordinator.Coordinator, versions *version.Manager, log *events.Log, keepDays int, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "tuneloop")
	})

	s := &Server{
		Router:   r,
		Port:     port,
		coord:    coord,
		versions: versions,
		events:   log,
		keepDays: keepDays,
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.Get("/health", s.handleHealth)
	s.Router.Route("/v1", func(r chi.Router) {
		r.Post("/conversations", s.handleCollect)
		r.Post("/training/trigger", s.handleTrigger)
		r.Get("/training/history", s.handleHistory)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/metrics", s.handleMetrics)
		r.Patch("/settings", s.handleSettings)
		r.Post("/cleanup", s.handleCleanup)
	})
}

// Start begins serving and blocks until the listener closes. A graceful
// Shutdown causes Start to return nil.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
