package mcp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kansoku/internal/model"
)

func TestCompactSnapshot(t *testing.T) {
	snap := model.Snapshot{
		Topic: model.Topic{ID: "t1", Title: "Retrieval", Status: model.TopicStatusFailed},
		RunID: "r1",
		Agents: []model.AgentState{
			{AgentID: model.AgentReview, Status: model.AgentStatusCompleted, Progress: 1, Subtasks: []model.Subtask{
				{ID: "a", Status: model.SubtaskCompleted}, {ID: "b", Status: model.SubtaskCompleted},
			}},
			{AgentID: model.AgentIdeation, Status: model.AgentStatusFailed, LastSummary: strings.Repeat("x", 300)},
			{AgentID: model.AgentExperiment, Status: model.AgentStatusIdle},
		},
		Events: []model.Event{
			{TS: 1, AgentID: model.AgentIdeation, Kind: model.KindEventEmitted, Severity: model.SeverityError, Summary: "ideation failed: boom"},
			{TS: 2, AgentID: model.AgentReview, Kind: model.KindEventEmitted, Severity: model.SeverityInfo, Summary: "ok"},
		},
		Artifacts: []model.Artifact{{Name: "survey.md", URI: "/topics/t1/artifacts/a1", ContentType: "text/markdown"}},
	}

	got := compactSnapshot(snap)
	assert.Equal(t, "r1", got["run_id"])

	agents := got["agents"].([]map[string]any)
	assert.Equal(t, "2/2", agents[0]["subtasks"])
	assert.Len(t, []rune(agents[1]["summary"].(string)), maxSummaryLen+3)
	assert.NotContains(t, agents[2], "summary")

	events := got["events"].([]map[string]any)
	assert.Equal(t, model.SeverityError, events[0]["severity"])
	assert.NotContains(t, events[1], "severity")

	artifacts := got["artifacts"].([]map[string]any)
	assert.Equal(t, "survey.md", artifacts[0]["name"])

	summary := got["summary"].(string)
	assert.Contains(t, summary, `"Retrieval" is failed`)
	assert.Contains(t, summary, "Failed: ideation")
	assert.Contains(t, summary, "1 artifact(s)")
}

func TestStatusSummaryRunning(t *testing.T) {
	snap := model.Snapshot{
		Topic:  model.Topic{Title: "T", Status: model.TopicStatusRunning},
		Agents: []model.AgentState{{AgentID: model.AgentExperiment, Status: model.AgentStatusRunning}},
	}
	assert.Equal(t, `Topic "T" is running. Running: experiment.`, statusSummary(snap))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel...", truncate("hello", 3))
	assert.Equal(t, "日本...", truncate("日本語", 2))
}
