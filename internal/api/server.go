// Package api exposes the engine over HTTP: script and schedule management,
// ad-hoc runs with optional synchronous results, and trace queries.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Syncano/scriptbox/internal/dispatch"
	"github.com/Syncano/scriptbox/internal/limits"
	"github.com/Syncano/scriptbox/internal/model"
	"github.com/Syncano/scriptbox/internal/store"
	"github.com/Syncano/scriptbox/internal/trace"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 60 * time.Second
)

// Submitter enqueues specs for execution. Implemented by dispatch.Dispatcher.
type Submitter interface {
	Submit(ctx context.Context, spec *model.RunSpec, priority string) error
}

// Options configures request handling bounds.
type Options struct {
	// DefaultTimeoutS applies to scripts created without a timeout.
	DefaultTimeoutS int
	// MaxTimeoutS caps script timeouts.
	MaxTimeoutS int
	// WaitTimeout bounds how long a wait=true run call blocks for a result.
	WaitTimeout time.Duration
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	registry   store.Registry
	traces     trace.Store
	dispatcher Submitter
	results    *dispatch.Results
	limits     limits.Getter
	logger     *slog.Logger
	addr       string
	opts       Options
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, registry store.Registry, traces trace.Store, dispatcher Submitter, results *dispatch.Results, lim limits.Getter, logger *slog.Logger, opts Options) *Server {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}

	srv := &Server{
		router:     chi.NewRouter(),
		registry:   registry,
		traces:     traces,
		dispatcher: dispatcher,
		results:    results,
		limits:     lim,
		logger:     logger,
		addr:       addr,
		opts:       opts,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Tenant-Id"},
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

	s.router.Get("/v1/runtimes", s.handleListRuntimes)

	s.router.Route("/v1/scripts", func(r chi.Router) {
		r.Post("/", s.handleCreateScript)
		r.Get("/", s.handleListScripts)
		r.Get("/{id}", s.handleGetScript)
		r.Put("/{id}", s.handleUpdateScript)
		r.Delete("/{id}", s.handleDeleteScript)
		r.Post("/{id}/run", s.handleRunScript)
	})

	s.router.Route("/v1/schedules", func(r chi.Router) {
		r.Post("/", s.handleCreateSchedule)
		r.Get("/", s.handleListSchedules)
		r.Get("/{id}", s.handleGetSchedule)
		r.Delete("/{id}", s.handleDeleteSchedule)
	})

	s.router.Route("/v1/traces", func(r chi.Router) {
		r.Get("/{kind}/{ownerID}", s.handleListTraces)
		r.Get("/{kind}/{ownerID}/{traceID}", s.handleGetTrace)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
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
