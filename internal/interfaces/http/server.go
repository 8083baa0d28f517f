// Package http serves the query surface: factor CRUD, task inspection,
// the chart endpoints and the live log stream, all under /api/v1.
package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/factorlab/factorlab/internal/config"
)

// Server owns the router and the listener lifecycle.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	cfg      config.ServerConfig
	log      zerolog.Logger
}

// NewServer wires the handlers and middleware into a listener. Start
// surfaces bind errors, so construction cannot fail.
func NewServer(cfg config.ServerConfig, h *Handlers, log zerolog.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		cfg:      cfg,
		log:      log.With().Str("component", "http").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout.D(),
		WriteTimeout: cfg.WriteTimeout.D(),
		IdleTimeout:  cfg.IdleTimeout.D(),
	}
	return s
}

// setupRoutes configures middleware and the route table.
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.Handle("/metrics", s.handlers.Metrics()).Methods(http.MethodGet)

	// The log stream upgrades to a websocket and outlives any sane request
	// deadline, so it is registered ahead of the API subrouter and skips
	// the timeout and content-type middleware.
	s.router.HandleFunc("/api/v1/tasks/{task_id}/logs/stream", s.handlers.StreamTaskLogs).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)

	// Preflight requests need a matching route for the middleware chain
	// (and its CORS short-circuit) to run at all.
	api.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	api.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)

	api.HandleFunc("/factors", s.handlers.CreateFactor).Methods(http.MethodPost)
	api.HandleFunc("/factors", s.handlers.ListFactors).Methods(http.MethodGet)
	api.HandleFunc("/factors/{factor_id}", s.handlers.UpdateFactor).Methods(http.MethodPut)
	api.HandleFunc("/factors/{factor_id}", s.handlers.GetFactor).Methods(http.MethodGet)
	api.HandleFunc("/factors/{factor_id}", s.handlers.DeleteFactor).Methods(http.MethodDelete)
	api.HandleFunc("/factors/{factor_id}/status", s.handlers.FactorStatus).Methods(http.MethodGet)
	api.HandleFunc("/factors/{factor_id}/run", s.handlers.RunFactor).Methods(http.MethodGet)

	api.HandleFunc("/tasks/{task_id}/status", s.handlers.TaskStatus).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{task_id}/logs", s.handlers.TaskLogs).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{task_id}/charts/{chart}", s.handlers.TaskChart).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{task_id}/analysis", s.handlers.TaskAnalysis).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{task_id}/groups", s.handlers.TaskGroups).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{task_id}/top", s.handlers.TaskTop).Methods(http.MethodGet)

	// Root-level health for load balancers that cannot be told a path.
	s.router.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// requestIDMiddleware tags every request with a short id, echoed back in
// the X-Request-ID header.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware writes one access-log line per request.
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.log.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// timeoutMiddleware bounds how long a request may hold store resources.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	timeout := s.cfg.RequestTimeout.D()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware allows browser access from local research notebooks.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// jsonContentTypeMiddleware sets the content type for API responses.
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr()).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr()
}

// Router exposes the configured routes, for tests that drive the server
// through httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// responseWrapper captures the status code for the access log.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the wrapped writer so the websocket upgrade still
// works behind the logging middleware.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
