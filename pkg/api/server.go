package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hatchworks/conveyor/pkg/auth"
	"github.com/hatchworks/conveyor/pkg/broker"
	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/config"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/metrics"
	"github.com/hatchworks/conveyor/pkg/provider"
	"github.com/hatchworks/conveyor/pkg/repository"
	"github.com/hatchworks/conveyor/pkg/snowflake"
	"github.com/hatchworks/conveyor/pkg/types"
	"github.com/hatchworks/conveyor/pkg/vectorstore"
)

// Server is the HTTP ingest and status surface
type Server struct {
	port    int
	router  *chi.Mux
	httpSrv *http.Server

	authMgr  *auth.Manager
	limiter  *auth.RateLimiter
	limits   config.RateLimitConfig
	repos    map[types.Source]repository.JobRepository
	broker   *broker.Broker
	cache    cache.Cache
	vectors  *vectorstore.Client
	costs    *provider.CostTracker
	ids      *snowflake.Generator
	validate *validator.Validate
}

// Options collects the server's collaborators. Vectors and Costs may
// be nil; the detailed health check then skips them.
type Options struct {
	Port    int
	AuthMgr *auth.Manager
	Limiter *auth.RateLimiter
	Limits  config.RateLimitConfig
	Repos   map[types.Source]repository.JobRepository
	Broker  *broker.Broker
	Cache   cache.Cache
	Vectors *vectorstore.Client
	Costs   *provider.CostTracker
	IDs     *snowflake.Generator
}

// New builds the server and its route tree
func New(opts Options) *Server {
	s := &Server{
		port:     opts.Port,
		authMgr:  opts.AuthMgr,
		limiter:  opts.Limiter,
		limits:   opts.Limits,
		repos:    opts.Repos,
		broker:   opts.Broker,
		cache:    opts.Cache,
		vectors:  opts.Vectors,
		costs:    opts.Costs,
		ids:      opts.IDs,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(s.traceMiddleware)
	r.Use(s.securityHeaders)
	r.Use(s.requestMetrics)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Versioned aliases so API clients reach health through one prefix
		r.Get("/health", s.handleHealth)
		r.Get("/health/detailed", s.handleHealthDetailed)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.rateLimit)

			r.With(s.requirePermission(auth.PermAnalyze)).Post("/analyze", s.handleAnalyzeEmail)
			r.With(s.requirePermission(auth.PermAnalyze)).Post("/analyze/subjects", s.handleAnalyzeSubjects)
			r.With(s.requirePermission(auth.PermAnalyze)).Post("/embed", s.handleEmbed)
			r.With(s.requirePermission(auth.PermStatus)).Get("/status/{id}", s.handleStatus)
			r.With(s.requirePermission(auth.PermResults)).Get("/results/{id}", s.handleResults)
		})
	})

	s.router = r
	return s
}

// Handler exposes the route tree for tests
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown or a listener error
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithComponent("api").Info().Int("port", s.port).Msg("http server listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
