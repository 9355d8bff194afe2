package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/exposure"
	"github.com/opensource-finance/kestrel/internal/kb"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/penetration"
	"github.com/opensource-finance/kestrel/internal/resolve"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// Deps are the collaborators served by the API. Repo, Cache, Bus,
// Importer and Metrics may be nil; the routes needing them answer 503.
type Deps struct {
	Store    domain.GraphStore
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Importer Importer
	KB       *kb.Service

	Penetration *penetration.Engine
	Resolver    *resolve.Engine
	Risk        *risk.Engine
	Exposure    *exposure.Analyzer
	Processor   *decision.Processor
	Metrics     *metrics.Metrics

	PenetrationDefaults domain.PenetrationConfig
	ResolveDefaults     domain.ResolveConfig
	Version             string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(MetricsMiddleware(deps.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	router.Route("/entities", func(r chi.Router) {
		// Static segments are matched before {id}.
		r.Get("/search", handler.SearchEntities)
		r.Get("/resolve-id", handler.ResolveIdentifier)

		r.Get("/{id}", handler.GetEntity)
		r.Get("/{id}/penetration", handler.Penetration)
		r.Get("/{id}/layers", handler.Layers)
		r.Get("/{id}/exposure", handler.Exposure)
		r.Get("/{id}/evaluations", handler.ListEvaluations)
	})

	router.Post("/resolve", handler.Resolve)
	router.Post("/screening", handler.Screen)

	router.Route("/risk", func(r chi.Router) {
		r.Post("/evaluate", handler.EvaluateRisk)
		r.Post("/submit", handler.SubmitRisk)
		r.Get("/evaluations/{id}", handler.GetEvaluation)
	})

	router.Get("/kb", handler.GetKB)
	router.Post("/kb/reload", handler.ReloadKB)

	router.Post("/graph/import", handler.Import)

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
