package kansoku

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

type recordingHook struct {
	mu     sync.Mutex
	events []Event
}

func (h *recordingHook) OnEvent(_ context.Context, e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *recordingHook) summaries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Summary)
	}
	return out
}

type fakeExecutor struct {
	mu       sync.Mutex
	requests []StageRequest
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) Execute(_ context.Context, req StageRequest) (StageOutput, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return StageOutput{Files: []StageFile{{
		Name: req.Agent + ".md", ContentType: "text/markdown", Content: []byte("# " + req.Agent),
	}}}, nil
}

func (f *fakeExecutor) calls() []StageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StageRequest(nil), f.requests...)
}

func newTestApp(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	t.Setenv("KANSOKU_DEMO_USER", "demo")
	t.Setenv("KANSOKU_DEMO_PASSWORD", "demo-pass")
	t.Setenv("KANSOKU_JWT_SECRET", "test-secret")
	t.Setenv("KANSOKU_AUTO_START", "true")
	t.Setenv("KANSOKU_MAX_FEEDBACK_ITERATIONS", "1")
	t.Setenv("DEEPSEEK_API_KEY", "")

	dir := t.TempDir()
	base := []Option{
		WithDatabaseURL("sqlite:" + filepath.Join(dir, "kansoku.db")),
		WithArtifactsRoot(filepath.Join(dir, "artifacts")),
		WithLogger(testutil.TestLogger()),
		WithVersion("test"),
	}
	app, err := New(append(base, opts...)...)
	require.NoError(t, err)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = app.Shutdown(context.Background())
	})
	return srv
}

func call(t *testing.T, srv *httptest.Server, token, method, path string, body any) (*http.Response, json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp, env.Data
}

func login(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, data := call(t, srv, "", http.MethodPost, "/auth/login", model.LoginRequest{Username: "demo", Password: "demo-pass"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out model.LoginResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out.AccessToken
}

func TestAppRunsPipelineWithExtensions(t *testing.T) {
	hook := &recordingHook{}
	exec := &fakeExecutor{}
	srv := newTestApp(t, WithEventHook(hook), WithStageExecutor(exec))
	token := login(t, srv)

	resp, data := call(t, srv, token, http.MethodPost, "/topics", model.CreateTopicRequest{Title: "Embedded"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var topic model.Topic
	require.NoError(t, json.Unmarshal(data, &topic))

	resp, _ = call(t, srv, token, http.MethodPost, "/topics/"+topic.ID+"/runs", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool {
		for _, s := range hook.summaries() {
			if s == "run completed" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	reqs := exec.calls()
	require.Len(t, reqs, 4)
	agents := []string{reqs[0].Agent, reqs[1].Agent, reqs[2].Agent, reqs[3].Agent}
	assert.Equal(t, []string{"review", "ideation", "experiment", "ideation"}, agents)
	assert.True(t, reqs[3].Feedback)
	assert.Equal(t, 1, reqs[3].Iteration)
	assert.Equal(t, "Embedded", reqs[0].TopicTitle)
	assert.NotEmpty(t, reqs[2].Upstream)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	var sawArtifact bool
	for _, e := range hook.events {
		assert.Equal(t, topic.ID, e.TopicID)
		if e.Kind == string(model.KindArtifactCreated) {
			sawArtifact = true
			require.Len(t, e.Artifacts, 1)
			assert.NotEmpty(t, e.Payload)
		}
	}
	assert.True(t, sawArtifact)
}

func TestAppExtraRoutesAndMiddleware(t *testing.T) {
	srv := newTestApp(t,
		WithExtraRoutes(func(mux *http.ServeMux) {
			mux.HandleFunc("GET /ext/ping", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		}),
		WithMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Extension", "on")
				next.ServeHTTP(w, r)
			})
		}),
	)
	token := login(t, srv)

	resp, _ := call(t, srv, token, http.MethodGet, "/ext/ping", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "on", resp.Header.Get("X-Extension"))

	resp, _ = call(t, srv, "", http.MethodGet, "/ext/ping", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNewRejectsBadDatabaseURL(t *testing.T) {
	_, err := New(WithDatabaseURL("mysql://nope"), WithLogger(testutil.TestLogger()))
	require.Error(t, err)
}
