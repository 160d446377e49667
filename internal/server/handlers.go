package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kansoku/internal/artifacts"
	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/eventlog"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/orchestrator"
	"github.com/ashita-ai/kansoku/internal/snapshot"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	orch                *orchestrator.Orchestrator
	snapshots           *snapshot.Builder
	log                 *eventlog.Log
	artifacts           *artifacts.FS
	jwtMgr              *auth.JWTManager
	creds               *auth.Credentials
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	wsPingInterval      time.Duration
	wsOrigins           []string
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               storage.Store
	Orchestrator        *orchestrator.Orchestrator
	Snapshots           *snapshot.Builder
	Log                 *eventlog.Log
	Artifacts           *artifacts.FS
	JWTMgr              *auth.JWTManager
	Credentials         *auth.Credentials
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	WSPingInterval      time.Duration
	// WSOrigins are extra host patterns allowed to open /ws cross-origin.
	WSOrigins []string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	ping := d.WSPingInterval
	if ping <= 0 {
		ping = 25 * time.Second
	}
	return &Handlers{
		store:               d.Store,
		orch:                d.Orchestrator,
		snapshots:           d.Snapshots,
		log:                 d.Log,
		artifacts:           d.Artifacts,
		jwtMgr:              d.JWTMgr,
		creds:               d.Credentials,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		wsPingInterval:      ping,
		wsOrigins:           d.WSOrigins,
	}
}

// HandleLogin handles POST /auth/login.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "username and password are required")
		return
	}
	if h.creds == nil || !h.creds.Authenticate(req.Username, req.Password) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, _, err := h.jwtMgr.IssueToken(req.Username)
	if err != nil {
		h.writeDomainError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "user", req.Username, "request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, model.LoginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(h.jwtMgr.Expiration().Seconds()),
	})
}

// HandleMe handles GET /auth/me.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.MeResponse{Username: ctxutil.Subject(r.Context())})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Database: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

// maxQueryOffset prevents absurdly large offsets.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

// pathAgent parses the {agentId} path segment.
func pathAgent(w http.ResponseWriter, r *http.Request) (model.AgentID, bool) {
	agent, err := model.ParseAgentID(r.PathValue("agentId"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return "", false
	}
	return agent, true
}
