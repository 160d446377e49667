package kansoku

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

// wsFeed serves /ws by writing the given frames, then idling until the
// client goes away. It records the since parameter of every connection.
type wsFeed struct {
	t      *testing.T
	frames [][]byte

	mu     sync.Mutex
	sinces []string
}

func (f *wsFeed) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.sinces = append(f.sinces, r.URL.Query().Get("since"))
	f.mu.Unlock()

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = ws.CloseNow() }()
	for _, data := range f.frames {
		if err := ws.Write(r.Context(), websocket.MessageText, data); err != nil {
			return
		}
	}
	_, _, _ = ws.Read(r.Context())
}

func (f *wsFeed) Sinces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sinces...)
}

func snapshotFor(runID string, generatedAt int64) model.Snapshot {
	return model.Snapshot{
		Topic:       model.Topic{ID: "t1", Title: "topic"},
		RunID:       runID,
		Agents:      []model.AgentState{{AgentID: model.AgentReview, Status: model.AgentStatusIdle}},
		Events:      []model.Event{},
		Artifacts:   []model.Artifact{},
		GeneratedAt: generatedAt,
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestSessionBootstrapsThenFollowsStream(t *testing.T) {
	greeting, err := json.Marshal(model.Event{
		EventID: "c1", TS: 90, TopicID: "t1", RunID: "r1", AgentID: model.AgentReview,
		Kind: model.KindEventEmitted, Severity: model.SeverityInfo, Summary: "connected",
		Payload: model.Details{"phase": "connected", "user": "demo"},
	})
	require.NoError(t, err)
	feed := &wsFeed{t: t, frames: [][]byte{
		greeting,
		[]byte(`{"kind":"bogus"}`),
		frame(t, statusEv("e1", "r1", model.AgentReview, model.AgentStatusRunning, 0.4, 100)),
		frame(t, artifactEv("e2", 200, model.Artifact{ArtifactID: "a1", Name: "survey.md", ContentType: "text/markdown"})),
		frame(t, artifactEv("e2", 200, model.Artifact{ArtifactID: "a1", Name: "survey.md", ContentType: "text/markdown"})),
	}}
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /topics/{id}/snapshot": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": snapshotFor("r1", 50)})
		},
		"GET /ws": feed.handle,
	})
	c := newTestClient(t, srv.URL)

	changed := make(chan struct{}, 8)
	var (
		errMu sync.Mutex
		errs  []error
	)
	s, err := c.Open(context.Background(), "t1", SessionOptions{
		OnChange: func() { changed <- struct{}{} },
		OnError: func(err error) {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		},
	})
	require.NoError(t, err)
	defer s.Close()

	waitFor(t, changed)
	waitFor(t, changed)

	var (
		review  AgentState
		session SessionInfo
	)
	s.View(func(e *Engine) {
		review = e.Agent(AgentReview)
		session = e.Session()
	})
	assert.Equal(t, model.AgentStatusRunning, review.Status)
	assert.InDelta(t, 0.4, review.Progress, 1e-9)
	assert.Equal(t, "demo", session.User)

	arts := s.Artifacts()
	require.Len(t, arts, 1)
	assert.Equal(t, "a1", arts[0].ArtifactID)
	assert.Len(t, s.Trace(), 2)
	assert.Equal(t, int64(200), s.LastTS())
	assert.Equal(t, []string{"50"}, feed.Sinces())
	assert.Equal(t, StateConnected, s.State())

	errMu.Lock()
	assert.Len(t, errs, 1)
	errMu.Unlock()

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Load(context.Background(), SnapshotOptions{}), ErrClosed)
}

func TestSessionDiscardsStaleSnapshot(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	feed := &wsFeed{t: t}
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /topics/{id}/snapshot": func(w http.ResponseWriter, r *http.Request) {
			runID := r.URL.Query().Get("runId")
			if runID == "slow" {
				close(entered)
				<-release
			}
			if runID == "" {
				runID = "r1"
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": snapshotFor(runID, 10)})
		},
		"GET /ws": feed.handle,
	})
	c := newTestClient(t, srv.URL)

	s, err := c.Open(context.Background(), "t1", SessionOptions{})
	require.NoError(t, err)
	defer s.Close()

	slow := make(chan error, 1)
	go func() { slow <- s.Load(context.Background(), SnapshotOptions{RunID: "slow"}) }()
	waitFor(t, entered)

	require.NoError(t, s.Load(context.Background(), SnapshotOptions{RunID: "fast"}))
	close(release)

	select {
	case err := <-slow:
		assert.ErrorIs(t, err, ErrStale)
	case <-time.After(5 * time.Second):
		t.Fatal("slow load did not return")
	}

	var runID string
	s.View(func(e *Engine) { runID = e.RunID() })
	assert.Equal(t, "fast", runID)
}

func TestSessionOpenFailsOnSnapshotError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /topics/{id}/snapshot": func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "topic not found")
		},
	})
	c := newTestClient(t, srv.URL)

	_, err := c.Open(context.Background(), "missing", SessionOptions{})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
