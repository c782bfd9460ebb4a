// Package frontend exposes the orchestrator over HTTP: task submission and
// management, worker introspection, metrics, and health.
package frontend

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
)

// Server serves the orchestrator API.
type Server struct {
	core    *orchestrator.Core
	metrics *prometheus.Registry
	addr    string

	srv *http.Server
}

// New creates the Server. The prometheus registry may be nil, in which case
// /metrics is not mounted.
func New(core *orchestrator.Core, metrics *prometheus.Registry, cfg config.Server) *Server {
	return &Server{
		core:    core,
		metrics: metrics,
		addr:    cfg.Addr(),
	}
}

// Router builds the HTTP handler. Exposed separately so tests can exercise
// the routes without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(requestLogger)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleSubmitTask)
		r.Get("/", s.handleListTasks)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Post("/cancel", s.handleCancelTask)
			r.Post("/retry", s.handleRetryTask)
			r.Get("/logs", s.handleTaskLogs)
		})
	})
	r.Get("/workers", s.handleListWorkers)
	r.Get("/workers/available", s.handleAvailableWorkers)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	return r
}

// Serve runs the server until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:        s.addr,
		Handler:     s.Router(),
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Server listening", "addr", s.addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "Server shutdown", "err", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info(r.Context(), "Request handled",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "elapsed", time.Since(start).String())
	})
}
