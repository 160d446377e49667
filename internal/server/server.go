package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansoku/internal/artifacts"
	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/eventlog"
	"github.com/ashita-ai/kansoku/internal/orchestrator"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/snapshot"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Server is the kansoku HTTP server.
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

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Metrics, MCPServer, Middleware, Routes.
type ServerConfig struct {
	// Required dependencies.
	Store        storage.Store
	Orchestrator *orchestrator.Orchestrator
	Snapshots    *snapshot.Builder
	Log          *eventlog.Log
	Artifacts    *artifacts.FS
	JWTMgr       *auth.JWTManager
	Credentials  *auth.Credentials
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Metrics   *telemetry.Metrics
	MCPServer *mcpserver.MCPServer
	// Middleware wraps the mux inside authentication, outermost first.
	Middleware []func(http.Handler) http.Handler
	// Routes registers extra routes on the mux. They are authenticated
	// like every other non-public route.
	Routes []func(*http.ServeMux)

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSOrigins         []string
	RateLimit           bool
	WSPingInterval      time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Orchestrator:        cfg.Orchestrator,
		Snapshots:           cfg.Snapshots,
		Log:                 cfg.Log,
		Artifacts:           cfg.Artifacts,
		JWTMgr:              cfg.JWTMgr,
		Credentials:         cfg.Credentials,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		WSPingInterval:      cfg.WSPingInterval,
		WSOrigins:           originHosts(cfg.CORSOrigins),
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}

	var limiters []ratelimit.Limiter
	authRL, writeRL := passthrough, passthrough
	if cfg.RateLimit {
		// 20 logins per minute per IP; 120 run and command writes per minute
		// per user.
		loginLimiter := ratelimit.NewMemoryLimiter(20.0/60, 20)
		writeLimiter := ratelimit.NewMemoryLimiter(2, 120)
		limiters = append(limiters, loginLimiter, writeLimiter)
		authRL = ratelimit.Middleware(loginLimiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
		writeRL = ratelimit.Middleware(writeLimiter, userKeyFunc, reqIDFunc, cfg.Logger)
	}

	mux := http.NewServeMux()

	// Auth.
	mux.Handle("POST /auth/login", authRL(http.HandlerFunc(h.HandleLogin)))
	mux.HandleFunc("GET /auth/me", h.HandleMe)

	// Topics.
	mux.HandleFunc("GET /topics", h.HandleListTopics)
	mux.HandleFunc("POST /topics", h.HandleCreateTopic)
	mux.HandleFunc("GET /topics/{topicId}", h.HandleGetTopic)
	mux.HandleFunc("DELETE /topics/{topicId}", h.HandleDeleteTopic)

	// Run synchronization.
	mux.HandleFunc("GET /topics/{topicId}/snapshot", h.HandleSnapshot)
	mux.HandleFunc("GET /topics/{topicId}/trace", h.HandleTrace)
	mux.HandleFunc("GET /topics/{topicId}/artifacts/{artifactId}", h.HandleArtifactContent)
	mux.Handle("POST /topics/{topicId}/runs", writeRL(http.HandlerFunc(h.HandleCreateRun)))
	mux.Handle("POST /topics/{topicId}/agents/{agentId}/command", writeRL(http.HandlerFunc(h.HandleCommand)))
	mux.HandleFunc("GET /topics/{topicId}/agents/{agentId}/messages", h.HandleListMessages)
	mux.Handle("POST /topics/{topicId}/agents/{agentId}/messages", writeRL(http.HandlerFunc(h.HandlePostMessage)))

	// Live stream (authenticates in the handler).
	mux.HandleFunc("GET /ws", h.HandleWS)

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.Routes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth → user middleware → recovery → mux.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		handler = cfg.Middleware[i](handler)
	}
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(cfg.Metrics, mux, handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		limiters: limiters,
		logger:   cfg.Logger,
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// userKeyFunc keys rate limits by the authenticated username.
func userKeyFunc(r *http.Request) string {
	if sub := ctxutil.Subject(r.Context()); sub != "" {
		return "user:" + sub
	}
	return ""
}

// originHosts turns CORS origins into WebSocket origin host patterns.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if rest, ok := strings.CutPrefix(o, "https://"); ok {
			o = rest
		} else if rest, ok := strings.CutPrefix(o, "http://"); ok {
			o = rest
		}
		hosts = append(hosts, o)
	}
	return hosts
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	err := s.httpServer.Shutdown(ctx)
	for _, l := range s.limiters {
		_ = l.Close()
	}
	return err
}
