// Package api serves the REST view over recorded pipeline runs.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/number0/blueocean-plugin/internal/auth"
	"github.com/number0/blueocean-plugin/internal/events"
	"github.com/number0/blueocean-plugin/internal/flow"
	"github.com/number0/blueocean-plugin/internal/graph"
	"github.com/number0/blueocean-plugin/internal/runstore"
)

// RunStore is the persistence the API writes runs and nodes through.
type RunStore interface {
	CreateRun(ctx context.Context, pipeline string) (*runstore.Run, error)
	GetRun(ctx context.Context, runID string) (*runstore.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*runstore.Run, error)
	AppendNodes(ctx context.Context, runID string, nodes ...flow.Node) error
	Finish(ctx context.Context, runID string) (*runstore.Run, error)
}

// GraphBuilder returns the normalized graph of a run.
type GraphBuilder interface {
	BuildPipelineGraph(ctx context.Context, runID string) (*graph.PipelineGraph, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// BasePath prefixes every route, e.g. "/blue/rest".
	BasePath string
	// APIKey is the admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	runs      RunStore
	graphs    GraphBuilder
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. hub may be nil, in which case an
// internal hub is created.
func New(config Config, runs RunStore, graphs GraphBuilder, hub *events.Hub, logger *slog.Logger) *Server {
	config.BasePath = normalizeBasePath(config.BasePath)
	if hub == nil {
		hub = events.NewHub(256)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		runs:      runs,
		graphs:    graphs,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// SSE streams are long lived; handlers bound their own work.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "base_path", s.config.BasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	routes := func(r chi.Router) {
		// Unauthenticated ops endpoint.
		r.Get("/healthz", s.handleHealthz)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.requireScopes(auth.ScopeRunsRO)).Get("/runs", s.handleListRuns)
			r.With(s.requireScopes(auth.ScopeRunsRW)).Post("/runs", s.handleCreateRun)
			r.Route("/runs/{runID}", func(r chi.Router) {
				r.With(s.requireScopes(auth.ScopeRunsRO)).Get("/", s.handleGetRun)
				r.With(s.requireScopes(auth.ScopeRunsRW)).Post("/nodes", s.handleAppendNodes)
				r.With(s.requireScopes(auth.ScopeRunsRW)).Post("/finish", s.handleFinishRun)
				r.Group(func(r chi.Router) {
					r.Use(s.requireScopes(auth.ScopeRunsRO))
					r.Get("/nodes", s.handleListNodes)
					r.Get("/nodes/{nodeID}", s.handleGetNode)
					r.Get("/nodes/{nodeID}/steps", s.handleNodeSteps)
					r.Get("/steps", s.handleListSteps)
					r.Get("/graph", s.handleGraph)
				})
			})
			r.With(s.requireScopes(auth.ScopeEventRO)).Get("/events", s.handleEvents)
		})
	}

	if s.config.BasePath == "" {
		routes(r)
	} else {
		r.Route(s.config.BasePath, routes)
	}
	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// href builds a link under the configured base path.
func (s *Server) href(parts ...string) string {
	return s.config.BasePath + "/" + strings.Join(parts, "/") + "/"
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
