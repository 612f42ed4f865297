package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/groundtruth"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/patterns"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, orch *orchestrator.Orchestrator, patternEngine *patterns.Engine, groundTruth *groundtruth.Service, version string) *Server {
	handler := NewHandler(repo, cache, bus, orch, patternEngine, groundTruth, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Investigation lifecycle
	router.Post("/investigations", handler.StartInvestigation)
	router.Post("/investigations/{id}/advance", handler.AdvanceInvestigation)
	router.Get("/investigations/{id}", handler.GetInvestigation)

	// Activity ingestion
	router.Post("/activity", handler.IngestActivity)

	// Ground truth
	router.Post("/groundtruth", handler.ConfirmGroundTruth)

	// Entity labels
	router.Get("/labels/{entityType}/{entityValue}", handler.GetLabel)

	// Pattern management
	router.Get("/patterns", handler.ListPatterns)
	router.Get("/patterns/{id}", handler.GetPattern)
	router.Post("/patterns", handler.CreatePattern)
	router.Delete("/patterns/{id}", handler.DeletePattern)
	router.Post("/patterns/reload", handler.ReloadPatterns)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
