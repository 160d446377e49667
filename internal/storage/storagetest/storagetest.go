// Package storagetest holds behavior tests shared by every storage.Store
// implementation.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Run exercises s against the Store contract. Every subtest works on its own
// topics so a shared database is fine.
func Run(t *testing.T, s storage.Store) {
	t.Run("Topics", func(t *testing.T) { testTopics(t, s) })
	t.Run("CreateRunSupersedes", func(t *testing.T) { testCreateRunSupersedes(t, s) })
	t.Run("UpdateRunConditional", func(t *testing.T) { testUpdateRunConditional(t, s) })
	t.Run("DeleteTopicWithOpenRun", func(t *testing.T) { testDeleteTopicWithOpenRun(t, s) })
	t.Run("Events", func(t *testing.T) { testEvents(t, s) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, s) })
	t.Run("Artifacts", func(t *testing.T) { testArtifacts(t, s) })
}

// NewTopic inserts a fresh topic and returns it.
func NewTopic(t *testing.T, s storage.Store) model.Topic {
	t.Helper()
	now := model.NowMillis()
	topic := model.Topic{
		ID:        model.NewID(),
		Title:     "topic " + t.Name(),
		Objective: "measure things",
		Tags:      []string{"a", "b"},
		Status:    model.TopicStatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateTopic(context.Background(), topic))
	return topic
}

// NewRun creates a queued run on topicID.
func NewRun(t *testing.T, s storage.Store, topicID string) (model.Run, []string) {
	t.Helper()
	run := model.Run{
		ID:        model.NewID(),
		TopicID:   topicID,
		Status:    model.RunStatusQueued,
		Trigger:   "manual",
		CreatedAt: model.NowMillis(),
	}
	superseded, err := s.CreateRun(context.Background(), run)
	require.NoError(t, err)
	return run, superseded
}

func testTopics(t *testing.T, s storage.Store) {
	ctx := context.Background()
	topic := NewTopic(t, s)

	got, err := s.GetTopic(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, topic.Title, got.Title)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.Equal(t, model.TopicStatusIdle, got.Status)
	assert.Nil(t, got.ActiveRunID)

	list, total, err := s.ListTopics(ctx, 500, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1)
	var found bool
	for _, tp := range list {
		found = found || tp.ID == topic.ID
	}
	assert.True(t, found, "created topic should be listed")

	_, err = s.GetTopic(ctx, model.NewID())
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.DeleteTopic(ctx, topic.ID))
	_, err = s.GetTopic(ctx, topic.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.DeleteTopic(ctx, topic.ID), model.ErrNotFound)
}

func testCreateRunSupersedes(t *testing.T, s storage.Store) {
	ctx := context.Background()
	topic := NewTopic(t, s)

	first, superseded := NewRun(t, s, topic.ID)
	assert.Empty(t, superseded)

	got, err := s.GetTopic(ctx, topic.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ActiveRunID)
	assert.Equal(t, first.ID, *got.ActiveRunID)
	assert.Equal(t, model.TopicStatusQueued, got.Status)

	second, superseded := NewRun(t, s, topic.ID)
	assert.Equal(t, []string{first.ID}, superseded)

	old, err := s.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuperseded, old.Status)
	assert.NotNil(t, old.EndedAt)

	latest, err := s.LatestRun(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	got, err = s.GetTopic(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, *got.ActiveRunID)
	assert.Equal(t, second.ID, *got.LastRunID)

	_, err = s.CreateRun(ctx, model.Run{
		ID: model.NewID(), TopicID: model.NewID(), Status: model.RunStatusQueued, CreatedAt: model.NowMillis(),
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testUpdateRunConditional(t *testing.T, s storage.Store) {
	ctx := context.Background()
	topic := NewTopic(t, s)
	run, _ := NewRun(t, s, topic.ID)

	started := model.NowMillis()
	stage := model.AgentReview
	updated, err := s.UpdateRun(ctx, run.ID, model.RunUpdate{
		From:      []model.RunStatus{model.RunStatusQueued},
		Status:    model.RunStatusRunning,
		Stage:     &stage,
		StartedAt: &started,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, updated.Status)
	assert.Equal(t, model.AgentReview, updated.Stage)
	require.NotNil(t, updated.StartedAt)
	assert.Equal(t, started, *updated.StartedAt)

	// Wrong precondition.
	_, err = s.UpdateRun(ctx, run.ID, model.RunUpdate{
		From:   []model.RunStatus{model.RunStatusQueued},
		Status: model.RunStatusRunning,
	})
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = s.UpdateRun(ctx, model.NewID(), model.RunUpdate{
		From:   []model.RunStatus{model.RunStatusQueued},
		Status: model.RunStatusRunning,
	})
	assert.ErrorIs(t, err, model.ErrNotFound)

	ended := model.NowMillis()
	msg := "boom"
	_, err = s.UpdateRun(ctx, run.ID, model.RunUpdate{
		From:    []model.RunStatus{model.RunStatusRunning},
		Status:  model.RunStatusFailed,
		Error:   &msg,
		EndedAt: &ended,
	})
	require.NoError(t, err)

	got, err := s.GetTopic(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TopicStatusFailed, got.Status)
	assert.Nil(t, got.ActiveRunID, "terminal run releases the topic")
	require.NotNil(t, got.LastRunID)
	assert.Equal(t, run.ID, *got.LastRunID)

	failed, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", failed.Error)
	assert.Equal(t, model.AgentReview, failed.Stage, "unset fields are preserved")

	open, err := s.ListOpenRuns(ctx)
	require.NoError(t, err)
	for _, r := range open {
		assert.NotEqual(t, run.ID, r.ID)
	}
}

func testDeleteTopicWithOpenRun(t *testing.T, s storage.Store) {
	ctx := context.Background()
	topic := NewTopic(t, s)
	run, _ := NewRun(t, s, topic.ID)

	assert.ErrorIs(t, s.DeleteTopic(ctx, topic.ID), model.ErrConflict)

	_, err := s.UpdateRun(ctx, run.ID, model.RunUpdate{
		From:   []model.RunStatus{model.RunStatusQueued},
		Status: model.RunStatusStopped,
	})
	require.NoError(t, err)
	require.NoError(t, s.DeleteTopic(ctx, topic.ID))

	_, err = s.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, model.ErrNotFound, "runs cascade with their topic")
}

func testEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	topic := NewTopic(t, s)
	runA, _ := NewRun(t, s, topic.ID)
	runB, _ := NewRun(t, s, topic.ID)

	ts, err := s.LastEventTS(ctx, topic.ID)
	require.NoError(t, err)
	assert.Zero(t, ts)

	var ids []string
	base := model.NowMillis()
	for i := range 6 {
		runID := runA.ID
		if i >= 3 {
			runID = runB.ID
		}
		e := model.Event{
			EventID:  model.NewID(),
			TS:       base + int64(i/2), // pairs share a ts
			TopicID:  topic.ID,
			RunID:    runID,
			AgentID:  model.AgentReview,
			Kind:     model.KindAgentStatusUpdated,
			Severity: model.SeverityInfo,
			Summary:  "status",
			Payload:  model.StatusPayload{Status: model.AgentStatusRunning, Progress: 0.5},
		}
		require.NoError(t, s.AppendEvent(ctx, e))
		ids = append(ids, e.EventID)
	}
	art := model.Event{
		EventID:   model.NewID(),
		TS:        base + 10,
		TopicID:   topic.ID,
		RunID:     runB.ID,
		AgentID:   model.AgentReview,
		Kind:      model.KindArtifactCreated,
		Severity:  model.SeverityInfo,
		Summary:   "artifact",
		Artifacts: []model.Artifact{{ArtifactID: "a1", Name: "review.md", URI: "/x", ContentType: "text/markdown"}},
		TraceID:   "trace-1",
	}
	require.NoError(t, s.AppendEvent(ctx, art))
	ids = append(ids, art.EventID)

	all, err := s.ListEvents(ctx, model.EventFilter{TopicID: topic.ID})
	require.NoError(t, err)
	require.Len(t, all, 7)
	for i, e := range all {
		assert.Equal(t, ids[i], e.EventID, "events keep append order")
	}
	status, ok := all[0].Payload.(model.StatusPayload)
	require.True(t, ok)
	assert.Equal(t, 0.5, status.Progress)
	assert.Nil(t, all[6].Payload)
	assert.Equal(t, "a1", all[6].Artifacts[0].ArtifactID)
	assert.Equal(t, "trace-1", all[6].TraceID)

	recent, err := s.ListEvents(ctx, model.EventFilter{TopicID: topic.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[5], recent[0].EventID)
	assert.Equal(t, ids[6], recent[1].EventID)

	onlyA, err := s.ListEvents(ctx, model.EventFilter{TopicID: topic.ID, RunID: runA.ID})
	require.NoError(t, err)
	assert.Len(t, onlyA, 3)

	since, err := s.ListEvents(ctx, model.EventFilter{TopicID: topic.ID, Since: base + 1})
	require.NoError(t, err)
	require.Len(t, since, 5, "since is inclusive")
	assert.Equal(t, ids[2], since[0].EventID)
	assert.Equal(t, ids[6], since[4].EventID)

	sinceRun, err := s.ListEvents(ctx, model.EventFilter{TopicID: topic.ID, RunID: runB.ID, Since: base + 10})
	require.NoError(t, err)
	require.Len(t, sinceRun, 1)
	assert.Equal(t, art.EventID, sinceRun[0].EventID)

	ts, err = s.LastEventTS(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, base+10, ts)
}

func testMessages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	topic := NewTopic(t, s)
	base := model.NowMillis()

	msgs := []model.Message{
		{MessageID: model.NewID(), TopicID: topic.ID, AgentID: model.AgentReview, Role: model.RoleUser, Content: "one", TS: base + 2},
		{MessageID: model.NewID(), TopicID: topic.ID, AgentID: model.AgentReview, Role: model.RoleAssistant, Content: "two", TS: base + 1},
		{MessageID: model.NewID(), TopicID: topic.ID, AgentID: model.AgentIdeation, Role: model.RoleUser, Content: "three", TS: base + 3},
	}
	for _, m := range msgs {
		require.NoError(t, s.CreateMessage(ctx, m))
	}
	require.NoError(t, s.CreateMessage(ctx, msgs[0]), "re-insert is a no-op")

	all, err := s.ListMessages(ctx, model.MessageFilter{TopicID: topic.ID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"two", "one", "three"}, []string{all[0].Content, all[1].Content, all[2].Content})

	review, err := s.ListMessages(ctx, model.MessageFilter{TopicID: topic.ID, AgentID: model.AgentReview})
	require.NoError(t, err)
	assert.Len(t, review, 2)

	last, err := s.ListMessages(ctx, model.MessageFilter{TopicID: topic.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "three", last[0].Content)
}

func testArtifacts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	topic := NewTopic(t, s)
	other := NewTopic(t, s)

	rec := model.ArtifactRecord{
		Artifact:  model.Artifact{ArtifactID: model.NewID(), Name: "review.md", URI: "/u", ContentType: "text/markdown"},
		TopicID:   topic.ID,
		RunID:     model.NewID(),
		Path:      "/tmp/review.md",
		Size:      12,
		CreatedAt: model.NowMillis(),
	}
	require.NoError(t, s.SaveArtifact(ctx, rec))

	got, err := s.GetArtifact(ctx, topic.ID, rec.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = s.GetArtifact(ctx, other.ID, rec.ArtifactID)
	assert.ErrorIs(t, err, model.ErrNotFound, "artifacts are scoped to their topic")
}
