package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shinrai-ai/trustwrapper/internal/auth"
	"github.com/shinrai-ai/trustwrapper/internal/engine"
	"github.com/shinrai-ai/trustwrapper/internal/metrics"
	"github.com/shinrai-ai/trustwrapper/internal/ratelimit"
)

// Server is the TrustWrapper HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Limiter, AuditReader, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Engine  *engine.Engine
	Metrics *metrics.Recorder
	JWTMgr  *auth.JWTManager
	Keyring *auth.Keyring
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter     ratelimit.Limiter
	AuditReader AuditReader

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MaxTotal            time.Duration // engine latency budget, for the health roll-up

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		engine:              cfg.Engine,
		metrics:             cfg.Metrics,
		jwtMgr:              cfg.JWTMgr,
		keyring:             cfg.Keyring,
		auditReader:         cfg.AuditReader,
		logger:              cfg.Logger,
		version:             cfg.Version,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		maxTotal:            cfg.MaxTotal,
		openAPISpec:         cfg.OpenAPISpec,
	}

	verifyRL := ratelimit.Middleware(cfg.Limiter, clientKeyFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Verification (authenticated, rate limited by client).
	mux.Handle("POST /v1/verify", verifyRL(http.HandlerFunc(h.HandleVerify)))

	// Operational endpoints (authenticated).
	mux.Handle("GET /v1/stats", http.HandlerFunc(h.HandleStats))
	mux.Handle("GET /v1/audit/recent", http.HandlerFunc(h.HandleAuditRecent))
	mux.Handle("POST /v1/cache/flush", http.HandlerFunc(h.HandleCacheFlush))

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.Keyring, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// clientKeyFunc extracts the authenticated client ID for rate limiting,
// falling back to the client IP when auth is disabled.
func clientKeyFunc(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return "client:" + claims.ClientID
	}
	return ratelimit.IPKeyFunc(r)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
