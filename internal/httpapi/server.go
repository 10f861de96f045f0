// Package httpapi is the control surface: a small JSON API for negotiating,
// starting, reconfiguring, and stopping viewer sessions, fetching device
// snapshots, and exposing health and metrics endpoints.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/camlink/camlink/internal/config"
	"github.com/camlink/camlink/internal/observability"
	"github.com/camlink/camlink/internal/session"
)

// Server is the control-surface HTTP server.
type Server struct {
	cfg     config.ServerConfig
	ctrl    *session.Controller
	logger  *slog.Logger
	metrics *observability.Metrics

	httpServer *http.Server
}

// NewServer creates the control-surface server.
func NewServer(cfg config.ServerConfig, ctrl *session.Controller, logger *slog.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		logger:  observability.WithComponent(logger, "httpapi"),
		metrics: metrics,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the route tree. Exposed separately so tests can drive the
// handlers without a listening socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleNegotiate)
			r.Get("/", s.handleListSessions)
			r.Post("/{sessionID}/start", s.handleStart)
			r.Post("/{sessionID}/reconfigure", s.handleReconfigure)
			r.Delete("/{sessionID}", s.handleStop)
		})
		r.Get("/devices/{deviceID}/snapshot", s.handleSnapshot)
	})

	return r
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("control surface listening", slog.String("address", s.cfg.Address()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// logRequests emits one structured log line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}
