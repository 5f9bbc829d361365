package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/authz"
	"github.com/ashita-ai/tsumugi/internal/budget"
	"github.com/ashita-ai/tsumugi/internal/knowledge"
	"github.com/ashita-ai/tsumugi/internal/ledger"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/ratelimit"
	"github.com/ashita-ai/tsumugi/internal/runner"
	"github.com/ashita-ai/tsumugi/internal/search"
	"github.com/ashita-ai/tsumugi/internal/skill"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// Server is the Tsumugi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	limiters   []ratelimit.Limiter
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Verifier, Broker, Searcher,
// MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	JWTMgr    *auth.JWTManager
	Runner    *runner.Service
	Ledger    *ledger.Ledger
	Budget    *budget.Manager
	Knowledge *knowledge.Service
	Catalog   *skill.Catalog
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Verifier  *authz.KeyVerifier
	Broker    *Broker
	Searcher  search.Searcher
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Rate limits in requests per minute; 0 disables the class.
	RateLimitPerMin     int // Authenticated API, keyed by tenant.
	AuthRateLimitPerMin int // Token endpoint, keyed by client IP.

	// Optional embedded assets.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Verifier:            cfg.Verifier,
		Runner:              cfg.Runner,
		Ledger:              cfg.Ledger,
		Budget:              cfg.Budget,
		Knowledge:           cfg.Knowledge,
		Catalog:             cfg.Catalog,
		Broker:              cfg.Broker,
		Searcher:            cfg.Searcher,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	passthrough := func(next http.Handler) http.Handler { return next }
	authRL, apiRL := passthrough, passthrough
	var limiters []ratelimit.Limiter

	if cfg.AuthRateLimitPerMin > 0 {
		l := ratelimit.NewMemoryLimiter(float64(cfg.AuthRateLimitPerMin)/60, cfg.AuthRateLimitPerMin)
		limiters = append(limiters, l)
		authRL = ratelimit.Middleware(l, ratelimit.IPKeyFunc, reqIDFunc)
	}
	if cfg.RateLimitPerMin > 0 {
		l := ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMin)/60, cfg.RateLimitPerMin)
		limiters = append(limiters, l)
		apiRL = ratelimit.Middleware(l, tenantKeyFunc, reqIDFunc)
	}

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Tenant management (operator only, no rate limit).
	operatorOnly := requireRole(model.RoleOperator)
	mux.Handle("POST /v1/tenants", operatorOnly(http.HandlerFunc(h.HandleCreateTenant)))
	mux.Handle("GET /v1/tenants", operatorOnly(http.HandlerFunc(h.HandleListTenants)))
	mux.Handle("POST /v1/tenants/{tenant_id}/archive", operatorOnly(http.HandlerFunc(h.HandleArchiveTenant)))
	mux.Handle("POST /v1/tenants/{tenant_id}/keys", operatorOnly(http.HandlerFunc(h.HandleCreateKey)))
	mux.Handle("GET /v1/tenants/{tenant_id}/keys", operatorOnly(http.HandlerFunc(h.HandleListKeys)))
	mux.Handle("DELETE /v1/tenants/{tenant_id}/keys/{key_id}", operatorOnly(http.HandlerFunc(h.HandleRevokeKey)))

	// Runs (service keys do the work; operator keys are accepted so a
	// freshly bootstrapped deployment can exercise the pipeline).
	serviceRole := requireRole(model.RoleService, model.RoleOperator)
	mux.Handle("POST /v1/runs", apiRL(serviceRole(http.HandlerFunc(h.HandleStartRun))))
	mux.Handle("GET /v1/runs", apiRL(serviceRole(http.HandlerFunc(h.HandleListRuns))))
	mux.Handle("GET /v1/runs/{run_id}", apiRL(serviceRole(http.HandlerFunc(h.HandleGetRun))))
	mux.Handle("POST /v1/runs/{run_id}/resume", apiRL(serviceRole(http.HandlerFunc(h.HandleResumeRun))))
	mux.Handle("POST /v1/runs/{run_id}/abort", apiRL(serviceRole(http.HandlerFunc(h.HandleAbortRun))))
	mux.Handle("GET /v1/runs/{run_id}/records", apiRL(serviceRole(http.HandlerFunc(h.HandleRunRecords))))

	// Record stream (no rate limit — long-lived connection).
	mux.Handle("GET /v1/runs/{run_id}/events", serviceRole(http.HandlerFunc(h.HandleRunEvents)))

	// Knowledge.
	mux.Handle("POST /v1/knowledge", apiRL(serviceRole(http.HandlerFunc(h.HandleIngestKnowledge))))
	mux.Handle("GET /v1/knowledge", apiRL(serviceRole(http.HandlerFunc(h.HandleListKnowledge))))
	mux.Handle("POST /v1/knowledge/search", apiRL(serviceRole(http.HandlerFunc(h.HandleSearchKnowledge))))
	mux.Handle("DELETE /v1/knowledge/{source}", apiRL(serviceRole(http.HandlerFunc(h.HandleDeleteKnowledgeSource))))

	// Budget usage.
	mux.Handle("GET /v1/budget", apiRL(serviceRole(http.HandlerFunc(h.HandleBudgetUsage))))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", serviceRole(mcpHTTP))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.Verifier, handler)
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
		handler:  handler,
		handlers: h,
		limiters: limiters,
		logger:   cfg.Logger,
	}
}

// tenantKeyFunc keys the API rate limiter by tenant. Operator keys are
// exempt: an empty key skips limiting.
func tenantKeyFunc(r *http.Request) string {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role == model.RoleOperator {
		return ""
	}
	return claims.TenantID.String()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, then stops the rate
// limiters' background cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	err := s.httpServer.Shutdown(ctx)
	for _, l := range s.limiters {
		_ = l.Close()
	}
	return err
}
