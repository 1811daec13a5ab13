// Package api implements the management HTTP API consumed by the dashboard:
// proxy CRUD and lifecycle, failure configuration, cache administration,
// log queries and exports, and fleet metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/rubberduck-proxy/rubberduck/internal/cache"
	"github.com/rubberduck-proxy/rubberduck/internal/lifecycle"
	"github.com/rubberduck-proxy/rubberduck/internal/logs"
	"github.com/rubberduck-proxy/rubberduck/internal/metrics"
	"github.com/rubberduck-proxy/rubberduck/internal/providers"
	"github.com/rubberduck-proxy/rubberduck/internal/store"
)

// Server is the management API.
type Server struct {
	store    *store.Store
	manager  *lifecycle.Manager
	cache    *cache.Cache
	logs     *logs.Service
	registry *providers.Registry
	metrics  *metrics.Registry
	log      *slog.Logger

	version     string
	corsOrigins []string

	srv *fasthttp.Server
}

// Options carries the Server's wiring.
type Options struct {
	Store    *store.Store
	Manager  *lifecycle.Manager
	Cache    *cache.Cache
	Logs     *logs.Service
	Registry *providers.Registry
	Metrics  *metrics.Registry
	Logger   *slog.Logger

	Version     string
	CORSOrigins []string
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store:       opts.Store,
		manager:     opts.Manager,
		cache:       opts.Cache,
		logs:        opts.Logs,
		registry:    opts.Registry,
		metrics:     opts.Metrics,
		log:         log,
		version:     opts.Version,
		corsOrigins: opts.CORSOrigins,
	}
}

// Handler builds the routed handler with the full middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/healthz", s.handleHealthz)

	r.GET("/proxies", s.handleListProxies)
	r.POST("/proxies", s.handleCreateProxy)
	r.GET("/proxies/{id}", s.handleGetProxy)
	r.PUT("/proxies/{id}", s.handleUpdateProxy)
	r.DELETE("/proxies/{id}", s.handleDeleteProxy)
	r.POST("/proxies/{id}/start", s.handleStartProxy)
	r.POST("/proxies/{id}/stop", s.handleStopProxy)

	r.GET("/proxies/{id}/failure-config", s.handleGetFailureConfig)
	r.PUT("/proxies/{id}/failure-config", s.handlePutFailureConfig)
	r.POST("/proxies/{id}/failure-config/reset", s.handleResetFailureConfig)

	r.GET("/cache/{proxy_id}/stats", s.handleCacheStats)
	r.DELETE("/cache/{proxy_id}", s.handleCacheInvalidate)
	r.DELETE("/cache", s.handleCacheInvalidateAll)

	r.GET("/logs", s.handleLogs)
	r.GET("/providers", s.handleProviders)
	r.GET("/dashboard/metrics", s.handleDashboardMetrics)
	r.GET("/dashboard/recent-activity", s.handleRecentActivity)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		s.timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start serves the management API on addr. Blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the management listener.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
