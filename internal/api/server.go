package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/ringwatch/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(cfg, deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	if cfg.TrustProxyHeaders {
		router.Use(middleware.RealIP)
	}
	if deps.Metrics != nil {
		router.Use(MetricsMiddleware(deps.Metrics))
	}
	router.Use(middleware.Compress(5))

	// Probes
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// Detection runs are rate limited per client
	router.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(deps.Cache, deps.Metrics, cfg.RateLimit, cfg.RateWindow))

		r.Post("/analyze", handler.Analyze)
		r.Post("/analyze/csv", handler.AnalyzeCSV)
		r.Get("/sample/analysis", handler.SampleAnalysis)
	})

	// Upload checks and sample data
	router.Post("/validate/csv", handler.ValidateCSV)
	router.Get("/sample", handler.SampleCSV)
	router.Get("/sample/format", handler.SampleFormat)

	// Stored analyses
	router.Get("/analyses", handler.ListAnalyses)
	router.Get("/analyses/{id}", handler.GetAnalysis)
	router.Get("/analyses/{id}/graph", handler.GetAnalysisGraph)
	router.Get("/accounts/{id}/rings", handler.GetAccountRings)

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
