package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/artifacts"
	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/eventlog"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/orchestrator"
	"github.com/ashita-ai/kansoku/internal/server"
	"github.com/ashita-ai/kansoku/internal/service/stages"
	"github.com/ashita-ai/kansoku/internal/snapshot"
	"github.com/ashita-ai/kansoku/internal/storage/sqlite"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

const (
	testUser     = "demo"
	testPassword = "s3cret"
)

type env struct {
	srv   *httptest.Server
	store *sqlite.Store
	orch  *orchestrator.Orchestrator
	token string
}

func newEnv(t *testing.T, mutate ...func(*server.ServerConfig)) *env {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "server.db"), logger)
	require.NoError(t, err)
	fs, err := artifacts.New(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	log := eventlog.New(store, eventlog.NewHub(0, logger, nil), logger)
	orch := orchestrator.New(store, log, fs, stages.NewTemplateExecutor(), orchestrator.Config{MaxFeedbackIterations: 1}, logger, nil)
	jwtMgr, err := auth.NewJWTManager("test-secret", time.Hour, logger)
	require.NoError(t, err)
	creds, err := auth.NewCredentials(testUser, testPassword)
	require.NoError(t, err)

	cfg := server.ServerConfig{
		Store:               store,
		Orchestrator:        orch,
		Snapshots:           snapshot.New(store, log, logger),
		Log:                 log,
		Artifacts:           fs,
		JWTMgr:              jwtMgr,
		Credentials:         creds,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 64 * 1024,
		WSPingInterval:      time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = orch.Close(ctx)
		store.Close(ctx)
	})

	token, _, err := jwtMgr.IssueToken(testUser)
	require.NoError(t, err)
	return &env{srv: srv, store: store, orch: orch, token: token}
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	return e.doToken(t, e.token, method, path, body)
}

func (e *env) doToken(t *testing.T, token, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func data[T any](t *testing.T, body []byte) T {
	t.Helper()
	var env struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	assert.NotEmpty(t, env.Meta.RequestID)
	return env.Data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e model.APIError
	require.NoError(t, json.Unmarshal(body, &e), string(body))
	return e.Error.Code
}

func (e *env) createTopic(t *testing.T) model.Topic {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/topics", map[string]any{
		"title": "Robust retrieval", "objective": "compare rerankers", "tags": []string{" ir ", "eval"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return data[model.Topic](t, body)
}

func TestHealthIsPublic(t *testing.T) {
	e := newEnv(t)
	resp, body := e.doToken(t, "", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := data[model.HealthResponse](t, body)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Database)
	assert.Equal(t, "test", h.Version)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestLoginAndMe(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"wrong password", model.LoginRequest{Username: testUser, Password: "nope"}, http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"wrong user", model.LoginRequest{Username: "root", Password: testPassword}, http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"missing fields", model.LoginRequest{Username: testUser}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown field", `{"username":"demo","password":"x","otp":1}`, http.StatusBadRequest, model.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.doToken(t, "", http.MethodPost, "/auth/login", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, body))
		})
	}

	resp, body := e.doToken(t, "", http.MethodPost, "/auth/login", model.LoginRequest{Username: testUser, Password: testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	login := data[model.LoginResponse](t, body)
	assert.Equal(t, "bearer", login.TokenType)
	assert.Equal(t, 3600, login.ExpiresIn)

	resp, body = e.doToken(t, login.AccessToken, http.MethodGet, "/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testUser, data[model.MeResponse](t, body).Username)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	e := newEnv(t)

	for _, token := range []string{"", "not-a-jwt"} {
		resp, body := e.doToken(t, token, http.MethodGet, "/topics", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, body))
	}
}

func TestTopicCRUD(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/topics", map[string]any{"name": "  Aliased  ", "tags": []string{"x"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	topic := data[model.Topic](t, body)
	assert.Equal(t, "Aliased", topic.Title)
	assert.Equal(t, model.TopicStatusIdle, topic.Status)
	assert.Nil(t, topic.ActiveRunID)

	resp, body = e.do(t, http.MethodGet, "/topics/"+topic.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, topic.ID, data[model.Topic](t, body).ID)

	second := e.createTopic(t)
	assert.Equal(t, []string{"ir", "eval"}, second.Tags)

	resp, body = e.do(t, http.MethodGet, "/topics?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := data[model.TopicList](t, body)
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Items, 1)

	resp, _ = e.do(t, http.MethodDelete, "/topics/"+topic.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = e.do(t, http.MethodGet, "/topics/"+topic.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, body))

	resp, body = e.do(t, http.MethodPost, "/topics", map[string]any{"description": "no title"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, body))

	resp, _ = e.do(t, http.MethodPost, "/topics", `{"title":"`+strings.Repeat("x", 70*1024)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestDeleteTopicWithOpenRunConflicts(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)

	resp, body := e.do(t, http.MethodPost, "/topics/"+topic.ID+"/runs", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = e.do(t, http.MethodDelete, "/topics/"+topic.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, errorCode(t, body))
}

func TestRunLifecycle(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)
	base := "/topics/" + topic.ID

	resp, body := e.do(t, http.MethodPost, base+"/runs", map[string]any{"trigger": "ui"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	created := data[model.RunCreated](t, body)
	assert.Equal(t, model.RunStatusQueued, created.Status)
	assert.Equal(t, topic.ID, created.TopicID)

	resp, body = e.do(t, http.MethodPost, base+"/agents/review/command", model.CommandRequest{Command: model.CommandStart})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	receipt := data[model.CommandReceipt](t, body)
	assert.True(t, receipt.Accepted)
	assert.Equal(t, created.RunID, receipt.RunID)
	assert.NotEmpty(t, receipt.CommandID)

	var snap model.Snapshot
	require.Eventually(t, func() bool {
		_, body := e.do(t, http.MethodGet, base+"/snapshot?limit=500", nil)
		snap = data[model.Snapshot](t, body)
		return snap.Topic.Status == model.TopicStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, created.RunID, snap.RunID)
	require.Len(t, snap.Agents, 3)
	for _, a := range snap.Agents {
		assert.Equal(t, model.AgentStatusCompleted, a.Status, a.AgentID)
	}
	require.NotEmpty(t, snap.Artifacts)
	require.NotEmpty(t, snap.Events)

	resp, body = e.do(t, http.MethodGet, snap.Artifacts[0].URI, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, snap.Artifacts[0].ContentType, resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, body)

	resp, body = e.do(t, http.MethodGet, base+"/snapshot?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, data[model.Snapshot](t, body).Events, 2)

	resp, body = e.do(t, http.MethodGet, base+"/trace?runId="+created.RunID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := data[model.TraceView](t, body)
	assert.Equal(t, created.RunID, view.RunID)
	assert.NotEmpty(t, view.Items)

	resp, body = e.do(t, http.MethodPost, base+"/agents/review/command", model.CommandRequest{Command: model.CommandStop})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, errorCode(t, body))
}

func TestCreateRunSupersedes(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)

	_, body := e.do(t, http.MethodPost, "/topics/"+topic.ID+"/runs", nil)
	first := data[model.RunCreated](t, body)
	_, body = e.do(t, http.MethodPost, "/topics/"+topic.ID+"/runs", nil)
	second := data[model.RunCreated](t, body)

	_, body = e.do(t, http.MethodGet, "/topics/"+topic.ID, nil)
	got := data[model.Topic](t, body)
	require.NotNil(t, got.ActiveRunID)
	assert.Equal(t, second.RunID, *got.ActiveRunID)

	_, body = e.do(t, http.MethodGet, "/topics/"+topic.ID+"/snapshot?runId="+first.RunID, nil)
	snap := data[model.Snapshot](t, body)
	last := snap.Events[len(snap.Events)-1]
	assert.Equal(t, "run superseded", last.Summary)
}

func TestCommandErrors(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)
	base := "/topics/" + topic.ID

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown agent", base + "/agents/writer/command", model.CommandRequest{Command: model.CommandStart}, http.StatusNotFound, model.ErrCodeNotFound},
		{"unknown command", base + "/agents/review/command", map[string]any{"command": "explode"}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"empty", base + "/agents/review/command", map[string]any{}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"no runs", base + "/agents/review/command", model.CommandRequest{Command: model.CommandStop}, http.StatusNotFound, model.ErrCodeNotFound},
		{"unknown topic", "/topics/missing/agents/review/command", model.CommandRequest{Text: "hi"}, http.StatusNotFound, model.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			assert.Equal(t, tt.code, errorCode(t, body))
		})
	}

	resp, body := e.do(t, http.MethodPost, base+"/agents/ideation/command", model.CommandRequest{Text: "look at rerankers"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.Equal(t, orchestrator.SessionRunID, data[model.CommandReceipt](t, body).RunID)
}

func TestMessages(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)
	path := "/topics/" + topic.ID + "/agents/experiment/messages"

	resp, body := e.do(t, http.MethodPost, path, model.CreateMessageRequest{Content: "use 3 seeds"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	posted := data[model.MessageList](t, body)
	require.Len(t, posted.Messages, 2)
	assert.Equal(t, "Echo: use 3 seeds", posted.Messages[1].Content)

	resp, body = e.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, data[model.MessageList](t, body).Messages, 2)

	resp, body = e.do(t, http.MethodGet, "/topics/"+topic.ID+"/agents/review/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, data[model.MessageList](t, body).Messages)

	resp, _ = e.do(t, http.MethodPost, path, model.CreateMessageRequest{Content: " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestArtifactNotFound(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)
	resp, body := e.do(t, http.MethodGet, "/topics/"+topic.ID+"/artifacts/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, body))
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, func(c *server.ServerConfig) { c.CORSOrigins = []string{"https://app.example.com"} })

	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/topics", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestWriteRateLimit(t *testing.T) {
	e := newEnv(t, func(c *server.ServerConfig) { c.RateLimit = true })
	topic := e.createTopic(t)

	var limited *http.Response
	for range 130 {
		resp, _ := e.do(t, http.MethodPost, "/topics/"+topic.ID+"/agents/review/messages", model.CreateMessageRequest{Content: "x"})
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = resp
			break
		}
	}
	require.NotNil(t, limited, "expected a 429 within 130 writes")
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))
}

func TestCustomRoutesAndMiddleware(t *testing.T) {
	var seen bool
	e := newEnv(t, func(c *server.ServerConfig) {
		c.Routes = append(c.Routes, func(mux *http.ServeMux) {
			mux.HandleFunc("GET /custom", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})
		})
		c.Middleware = append(c.Middleware, func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = true
				next.ServeHTTP(w, r)
			})
		})
	})

	resp, _ := e.do(t, http.MethodGet, "/custom", nil)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.True(t, seen)

	resp, _ = e.doToken(t, "", http.MethodGet, "/custom", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
