package snapshot_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/eventlog"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/snapshot"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/storage/sqlite"
	"github.com/ashita-ai/kansoku/internal/storage/storagetest"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

type fixture struct {
	store   storage.Store
	log     *eventlog.Log
	builder *snapshot.Builder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "snap.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })
	log := eventlog.New(store, eventlog.NewHub(0, testutil.TestLogger(), nil), testutil.TestLogger())
	return fixture{store: store, log: log, builder: snapshot.New(store, log, testutil.TestLogger())}
}

func (f fixture) append(t *testing.T, e model.Event) model.Event {
	t.Helper()
	if e.Severity == "" {
		e.Severity = model.SeverityInfo
	}
	if e.Summary == "" {
		e.Summary = string(e.Kind)
	}
	out, err := f.log.Append(context.Background(), e)
	require.NoError(t, err)
	return out
}

func status(topicID, runID string, agent model.AgentID, st model.AgentStatus, p float64) model.Event {
	return model.Event{
		TopicID: topicID, RunID: runID, AgentID: agent,
		Kind:    model.KindAgentStatusUpdated,
		Payload: model.StatusPayload{Status: st, Progress: p},
	}
}

func artifact(topicID, runID, id string) model.Event {
	return model.Event{
		TopicID: topicID, RunID: runID, AgentID: model.AgentReview,
		Kind:      model.KindArtifactCreated,
		Artifacts: []model.Artifact{{ArtifactID: id, Name: id + ".md", URI: "/a/" + id, ContentType: "text/markdown"}},
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 50}, {-3, 50}, {1, 1}, {200, 200}, {500, 500}, {501, 500}, {10_000, 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, snapshot.ClampLimit(tt.in), "limit %d", tt.in)
	}
}

func TestBuildWithoutRuns(t *testing.T) {
	f := newFixture(t)
	topic := storagetest.NewTopic(t, f.store)

	snap, err := f.builder.Build(context.Background(), topic.ID, snapshot.Options{})
	require.NoError(t, err)
	assert.Equal(t, topic.ID, snap.Topic.ID)
	assert.Empty(t, snap.RunID)
	assert.Empty(t, snap.Events)
	assert.Empty(t, snap.Artifacts)
	require.Len(t, snap.Agents, 3)
	for _, a := range snap.Agents {
		assert.Equal(t, model.AgentStatusIdle, a.Status)
	}
	assert.NotZero(t, snap.GeneratedAt)
}

func TestBuildUnknownTopic(t *testing.T) {
	f := newFixture(t)
	_, err := f.builder.Build(context.Background(), model.NewID(), snapshot.Options{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestBuildFoldsActiveRun(t *testing.T) {
	f := newFixture(t)
	topic := storagetest.NewTopic(t, f.store)
	old, _ := storagetest.NewRun(t, f.store, topic.ID)
	f.append(t, status(topic.ID, old.ID, model.AgentReview, model.AgentStatusFailed, 0.2))
	f.append(t, artifact(topic.ID, old.ID, "old"))

	run, _ := storagetest.NewRun(t, f.store, topic.ID)
	f.append(t, status(topic.ID, run.ID, model.AgentReview, model.AgentStatusRunning, 0.4))
	f.append(t, artifact(topic.ID, run.ID, "a1"))
	f.append(t, artifact(topic.ID, run.ID, "a1"))
	last := f.append(t, status(topic.ID, run.ID, model.AgentReview, model.AgentStatusCompleted, 1))

	snap, err := f.builder.Build(context.Background(), topic.ID, snapshot.Options{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, run.ID, snap.RunID)

	review := snap.Agents[0]
	assert.Equal(t, model.AgentReview, review.AgentID)
	assert.Equal(t, model.AgentStatusCompleted, review.Status)
	assert.Equal(t, 1.0, review.Progress)
	assert.Equal(t, last.TS, review.LastUpdate)

	require.Len(t, snap.Artifacts, 1, "duplicate artifact events dedupe")
	assert.Equal(t, "a1", snap.Artifacts[0].ArtifactID)

	require.Len(t, snap.Events, 3, "tail is capped by limit")
	assert.Equal(t, last.EventID, snap.Events[2].EventID)

	// Pinning the old run folds it instead and filters the tail to it.
	pinned, err := f.builder.Build(context.Background(), topic.ID, snapshot.Options{RunID: old.ID})
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusFailed, pinned.Agents[0].Status)
	require.Len(t, pinned.Artifacts, 1)
	assert.Equal(t, "old", pinned.Artifacts[0].ArtifactID)
	assert.Len(t, pinned.Events, 2)
}

func TestBuildFallsBackToLatestRun(t *testing.T) {
	f := newFixture(t)
	topic := storagetest.NewTopic(t, f.store)
	run, _ := storagetest.NewRun(t, f.store, topic.ID)
	_, err := f.store.UpdateRun(context.Background(), run.ID, model.RunUpdate{
		From: []model.RunStatus{model.RunStatusQueued}, Status: model.RunStatusStopped,
	})
	require.NoError(t, err)

	snap, err := f.builder.Build(context.Background(), topic.ID, snapshot.Options{})
	require.NoError(t, err)
	assert.Nil(t, snap.Topic.ActiveRunID)
	assert.Equal(t, run.ID, snap.RunID)
}

func TestBuildRejectsForeignRun(t *testing.T) {
	f := newFixture(t)
	topic := storagetest.NewTopic(t, f.store)
	other := storagetest.NewTopic(t, f.store)
	foreign, _ := storagetest.NewRun(t, f.store, other.ID)

	_, err := f.builder.Build(context.Background(), topic.ID, snapshot.Options{RunID: foreign.ID})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestBuildDoesNotMutateLog(t *testing.T) {
	f := newFixture(t)
	topic := storagetest.NewTopic(t, f.store)
	run, _ := storagetest.NewRun(t, f.store, topic.ID)
	f.append(t, status(topic.ID, run.ID, model.AgentReview, model.AgentStatusRunning, 0.1))

	before, err := f.store.ListEvents(context.Background(), model.EventFilter{TopicID: topic.ID})
	require.NoError(t, err)
	for range 3 {
		_, err := f.builder.Build(context.Background(), topic.ID, snapshot.Options{})
		require.NoError(t, err)
	}
	after, err := f.store.ListEvents(context.Background(), model.EventFilter{TopicID: topic.ID})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTraceMergesEventsAndMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic := storagetest.NewTopic(t, f.store)
	run, _ := storagetest.NewRun(t, f.store, topic.ID)

	msg := model.Message{
		MessageID: model.NewID(), TopicID: topic.ID, RunID: run.ID,
		AgentID: model.AgentReview, Role: model.RoleUser, Content: "hello", TS: model.NowMillis(),
	}
	require.NoError(t, f.store.CreateMessage(ctx, msg))
	f.append(t, model.Event{
		TopicID: topic.ID, RunID: run.ID, AgentID: model.AgentReview,
		Kind:    model.KindMessageCreated,
		Payload: model.MessagePayload{Message: msg},
	})
	f.append(t, status(topic.ID, run.ID, model.AgentReview, model.AgentStatusRunning, 0.5))
	f.append(t, model.Event{
		TopicID: topic.ID, RunID: run.ID, AgentID: model.AgentReview,
		Kind:      model.KindArtifactCreated,
		Artifacts: []model.Artifact{{ArtifactID: "a1", Name: "x"}, {Name: "y"}},
	})

	view, err := f.builder.Trace(ctx, topic.ID, "", 0)
	require.NoError(t, err)
	assert.Equal(t, run.ID, view.RunID)
	require.Len(t, view.Items, 4, "message stored and emitted dedupes to one item")

	kinds := map[model.TraceItemKind]int{}
	for i, it := range view.Items {
		kinds[it.Kind]++
		if i > 0 {
			assert.LessOrEqual(t, view.Items[i-1].TS, it.TS)
		}
	}
	assert.Equal(t, map[model.TraceItemKind]int{
		model.TraceMessage: 1, model.TraceStatus: 1, model.TraceArtifact: 2,
	}, kinds)
}

func TestTraceWithoutRuns(t *testing.T) {
	f := newFixture(t)
	topic := storagetest.NewTopic(t, f.store)
	view, err := f.builder.Trace(context.Background(), topic.ID, "", 0)
	require.NoError(t, err)
	assert.Empty(t, view.RunID)
	assert.NotNil(t, view.Items)
	assert.Empty(t, view.Items)
}
