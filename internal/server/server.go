// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gourl/coord/internal/config"
	"github.com/gourl/coord/internal/coord"
	"github.com/gourl/coord/internal/handlers"
	"github.com/gourl/coord/internal/metrics"
	"github.com/gourl/coord/internal/middleware"
	"github.com/gourl/coord/internal/ratelimit"
	"github.com/gourl/coord/pkg/logger"
)

// apiRateLimitKey namespaces the limiter that guards the HTTP API.
const apiRateLimitKey = "api"

// Server represents the HTTP server.
type Server struct {
	cfg              *config.Config
	log              *logger.Logger
	httpServer       *http.Server
	healthHandler    *handlers.HealthHandler
	rateLimitHandler *handlers.RateLimitHandler
	lockHandler      *handlers.LockHandler
	apiLimiter       ratelimit.Limiter
	listener         net.Listener
	running          bool
	mu               sync.RWMutex
}

// New creates a Server exposing c.
func New(cfg *config.Config, log *logger.Logger, c *coord.Coordinator) *Server {
	s := &Server{
		cfg:              cfg,
		log:              log,
		healthHandler:    handlers.NewHealthHandler(),
		rateLimitHandler: handlers.NewRateLimitHandler(c.RateLimiter()),
		lockHandler:      handlers.NewLockHandler(c.Locks(), cfg.Lock.TTL, cfg.Lock.MaxRetries),
	}
	s.healthHandler.AddCheck("store", c.Ping)

	if cfg.RateLimit.Enabled {
		s.apiLimiter = c.RateLimiter().Bind(ratelimit.Options{
			Limit:  cfg.RateLimit.Requests,
			Window: cfg.RateLimit.Window,
			Key:    apiRateLimitKey,
		})
		log.Info("rate limiting enabled",
			"requests", cfg.RateLimit.Requests,
			"window", cfg.RateLimit.Window.String(),
			"fail_open", cfg.RateLimit.FailOpen,
		)
	}

	if cfg.RateLimit.TrustProxy && len(cfg.RateLimit.TrustedProxies) == 0 {
		log.Warn("RATE_LIMIT_TRUST_PROXY is set without RATE_LIMIT_TRUSTED_PROXIES; forwarding headers are ignored")
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.buildMiddlewareChain(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// buildMiddlewareChain wraps every route, probes and metrics included.
func (s *Server) buildMiddlewareChain(handler http.Handler) http.Handler {
	return middleware.New(
		middleware.Metrics(),
		middleware.RequestID(),
		middleware.Recover(s.log),
		middleware.ClientIP(s.cfg.RateLimit.TrustProxy, s.cfg.RateLimit.TrustedProxies),
		middleware.Logging(s.log),
	).Then(handler)
}

// registerRoutes sets up the HTTP routes. Only the API is rate limited so
// probes and scrapes keep working under load.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.healthHandler.Health)
	mux.HandleFunc("GET /ready", s.healthHandler.Ready)
	mux.Handle("GET /metrics", metrics.Handler())

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/ratelimit/check", s.rateLimitHandler.Check)
	api.HandleFunc("DELETE /api/v1/ratelimit/{key}/{identifier}", s.rateLimitHandler.Reset)
	api.HandleFunc("POST /api/v1/locks/{key}/acquire", s.lockHandler.Acquire)
	api.HandleFunc("POST /api/v1/locks/{key}/release", s.lockHandler.Release)
	api.HandleFunc("POST /api/v1/locks/{key}/extend", s.lockHandler.Extend)

	chain := middleware.New()
	if s.apiLimiter != nil {
		chain = chain.Append(middleware.RateLimit(s.apiLimiter, middleware.RateLimitConfig{
			TrustProxy:     s.cfg.RateLimit.TrustProxy,
			TrustedProxies: s.cfg.RateLimit.TrustedProxies,
			APIKeyHeader:   s.cfg.RateLimit.APIKeyHeader,
			FailOpen:       s.cfg.RateLimit.FailOpen,
			Logger:         s.log,
		}))
	}
	mux.Handle("/api/", chain.Then(api))
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.log.Info("server starting", "address", listener.Addr().String())

	err = s.httpServer.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. The
// coordinator is left open for the caller to close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")

	s.healthHandler.SetReady(false)

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error("shutdown error", "error", err)
		return err
	}

	s.log.Info("server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// HealthHandler returns the health handler.
func (s *Server) HealthHandler() *handlers.HealthHandler {
	return s.healthHandler
}
