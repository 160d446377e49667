package stages

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

func TestSchedule(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want []string
	}{
		{"no feedback", 0, []string{"review", "ideation", "experiment"}},
		{"canonical", 1, []string{"review", "ideation", "experiment", "feedback#1"}},
		{"two rounds", 2, []string{"review", "ideation", "experiment", "feedback#1", "experiment#1", "feedback#2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, s := range Schedule(tt.n) {
				got = append(got, s.String())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScheduleFeedbackStepsAreIdeation(t *testing.T) {
	for _, s := range Schedule(3) {
		if s.Feedback {
			assert.Equal(t, model.AgentIdeation, s.Agent)
			assert.Positive(t, s.Iteration)
		}
	}
}

func TestIndexOf(t *testing.T) {
	sched := Schedule(2)
	assert.Equal(t, 0, IndexOf(sched, model.AgentReview, 0))
	assert.Equal(t, 3, IndexOf(sched, model.AgentIdeation, 1))
	assert.Equal(t, 4, IndexOf(sched, model.AgentExperiment, 1))
	assert.Equal(t, -1, IndexOf(sched, model.AgentReview, 1))
}

func TestPlanLifecycle(t *testing.T) {
	p := NewPlan(Step{Agent: model.AgentReview}, LanguageEN)
	require.Len(t, p.Subtasks, 4)
	assert.Equal(t, "review", p.Stage)
	assert.Equal(t, "review-1", p.Subtasks[0].ID)
	for _, s := range p.Subtasks {
		assert.Equal(t, model.SubtaskPending, s.Status)
	}

	started := p.Start(0, 0.1)
	assert.Equal(t, model.SubtaskPending, p.Subtasks[0].Status, "plans are never mutated in place")
	assert.Equal(t, model.SubtaskRunning, started.Subtasks[0].Status)

	adv := started.Advance(0, 0.2)
	assert.Equal(t, model.SubtaskCompleted, adv.Subtasks[0].Status)
	assert.Equal(t, 1.0, adv.Subtasks[0].Progress)
	assert.Equal(t, model.SubtaskRunning, adv.Subtasks[1].Status)
	assert.True(t, adv.HasRunning())

	failed := adv.FailRunning()
	assert.Equal(t, model.SubtaskFailed, failed.Subtasks[1].Status)
	assert.Equal(t, 0.2, failed.Subtasks[1].Progress)
	assert.False(t, failed.HasRunning())

	done := adv.CompleteAll()
	for _, s := range done.Subtasks {
		assert.Equal(t, model.SubtaskCompleted, s.Status)
	}

	assert.Equal(t, adv, adv.Start(99, 1), "out of range index is ignored")
}

func TestPlanFeedbackNamesAndLanguage(t *testing.T) {
	p := NewPlan(Step{Agent: model.AgentIdeation, Iteration: 2, Feedback: true}, LanguageZH)
	assert.Equal(t, "feedback", p.Stage)
	assert.Equal(t, "feedback-2-1", p.Subtasks[0].ID)
	assert.Equal(t, "审阅实验结果", p.Subtasks[0].Name)
}

func TestTemplateExecutor(t *testing.T) {
	topic := model.Topic{ID: "t1", Title: "Retrieval QA", Objective: "Raise accuracy"}
	var reports []CallReport
	exec := NewTemplateExecutor()

	out, err := exec.Execute(context.Background(), Request{
		Topic: topic, RunID: "r1", Step: Step{Agent: model.AgentReview},
		Report: func(c CallReport) { reports = append(reports, c) },
	})
	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	assert.Equal(t, "survey.md", out.Files[0].Name)
	assert.Equal(t, model.AgentIdeation, out.Files[0].HandoffTo)
	assert.Contains(t, string(out.Files[0].Content), "Retrieval QA")
	assert.Contains(t, string(out.Files[0].Content), "Raise accuracy")

	require.Len(t, reports, 2)
	assert.Equal(t, CallRequest, reports[0].Phase)
	assert.Equal(t, CallFallback, reports[1].Phase)
	assert.ErrorIs(t, reports[1].Err, ErrNoProvider)

	again, err := exec.Execute(context.Background(), Request{Topic: topic, RunID: "r1", Step: Step{Agent: model.AgentReview}})
	require.NoError(t, err)
	assert.Equal(t, out.Files, again.Files, "template output is deterministic")
}

func TestTemplateExecutorExperiment(t *testing.T) {
	out, err := NewTemplateExecutor().Execute(context.Background(), Request{
		Topic: model.Topic{ID: "t1", Title: "T"}, RunID: "r1", Step: Step{Agent: model.AgentExperiment},
	})
	require.NoError(t, err)
	require.Len(t, out.Files, 2)
	assert.Equal(t, "results.json", out.Files[0].Name)
	assert.Equal(t, "application/json", out.Files[0].ContentType)
	assert.Equal(t, "result.md", out.Files[1].Name)

	var res Results
	require.NoError(t, json.Unmarshal(out.Files[0].Content, &res))
	assert.Equal(t, "r1", res.RunID)
	assert.Equal(t, 0.78, res.Metrics["accuracy"])
	assert.Contains(t, string(out.Files[1].Content), "Accuracy: 0.78")
}

func TestTemplateExecutorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTemplateExecutor().Execute(ctx, Request{Step: Step{Agent: model.AgentReview}})
	assert.ErrorIs(t, err, context.Canceled)
}
