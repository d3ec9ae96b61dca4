// Package api exposes the coordinator over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/forge/internal/auth"
	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/coordinator"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Options configures the optional middleware of the server.
type Options struct {
	// AgentSecret signs bearer tokens. Empty disables authentication.
	AgentSecret string
	// RateLimit is the allowed requests per second per client address.
	// Zero disables rate limiting.
	RateLimit float64
	RateBurst int
	// CORSOrigins defaults to any origin.
	CORSOrigins []string
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	coord    *coordinator.Coordinator
	store    store.Store
	registry *backend.Registry
	broker   *engine.LogBroker
	opts     Options
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, coord *coordinator.Coordinator, s store.Store, reg *backend.Registry, broker *engine.LogBroker, opts Options, logger *slog.Logger) *Server {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	srv := &Server{
		router:   chi.NewRouter(),
		coord:    coord,
		store:    s,
		registry: reg,
		broker:   broker,
		opts:     opts,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(rateLimitMiddleware(s.opts.RateLimit, s.opts.RateBurst))
		}
		r.Use(s.authMiddleware)

		r.Get("/backends", s.handleListBackends)
		r.Get("/stats", s.handleGetStats)
		r.Get("/cluster", s.handleClusterStatus)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmitTask)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Delete("/{id}", s.handleCancelTask)
			r.Get("/{id}/logs", s.handleStreamLogs)
			r.Get("/{id}/logs/history", s.handleGetLogHistory)
		})

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.RoleAgent))
				r.Post("/", s.handleRegisterWorker)
				r.Delete("/{id}", s.handleUnregisterWorker)
				r.Post("/{id}/heartbeat", s.handleHeartbeat)
			})
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
