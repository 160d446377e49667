package kansoku

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashita-ai/kansoku/internal/eventlog"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/stages"
)

// hookObserver adapts a public EventHook to an event log observer. The log
// delivers to each observer in order on its own goroutine.
func hookObserver(h EventHook, logger *slog.Logger) eventlog.Observer {
	return func(ctx context.Context, e model.Event) {
		ctx, cancel := context.WithTimeout(ctx, hookTimeout)
		defer cancel()
		pub, err := toPublicEvent(e)
		if err != nil {
			logger.Warn("event hook: convert event", "event_id", e.EventID, "error", err)
			return
		}
		if err := h.OnEvent(ctx, pub); err != nil {
			logger.Warn("event hook OnEvent failed", "event_id", e.EventID, "error", err)
		}
	}
}

func toPublicEvent(e model.Event) (Event, error) {
	var payload json.RawMessage
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return Event{}, err
		}
		payload = raw
	}
	pub := Event{
		ID:       e.EventID,
		TopicID:  e.TopicID,
		RunID:    e.RunID,
		AgentID:  string(e.AgentID),
		Kind:     string(e.Kind),
		Severity: string(e.Severity),
		Summary:  e.Summary,
		TS:       time.UnixMilli(e.TS).UTC(),
		Payload:  payload,
	}
	for _, a := range e.Artifacts {
		pub.Artifacts = append(pub.Artifacts, Artifact{
			ID: a.ArtifactID, Name: a.Name, URI: a.URI, ContentType: a.ContentType,
		})
	}
	return pub, nil
}

// executorAdapter wraps a public StageExecutor to satisfy stages.Executor.
type executorAdapter struct {
	exec StageExecutor
}

func (a *executorAdapter) Provider() string { return a.exec.Name() }

func (a *executorAdapter) Execute(ctx context.Context, req stages.Request) (stages.Output, error) {
	out, err := a.exec.Execute(ctx, toStageRequest(req))
	if err != nil {
		return stages.Output{}, err
	}
	files := make([]stages.File, 0, len(out.Files))
	for _, f := range out.Files {
		files = append(files, stages.File{
			Name:        f.Name,
			ContentType: f.ContentType,
			Role:        f.Role,
			HandoffTo:   model.AgentID(f.HandoffTo),
			Content:     f.Content,
		})
	}
	return stages.Output{Files: files, Summary: out.Summary}, nil
}

func toStageRequest(req stages.Request) StageRequest {
	pub := StageRequest{
		TopicID:        req.Topic.ID,
		TopicTitle:     req.Topic.Title,
		TopicObjective: req.Topic.Objective,
		RunID:          req.RunID,
		Agent:          string(req.Step.Agent),
		Iteration:      req.Step.Iteration,
		Feedback:       req.Step.Feedback,
	}
	for _, d := range req.Upstream {
		pub.Upstream = append(pub.Upstream, StageDocument{
			Agent: string(d.Agent), Step: d.Step, Name: d.Name, ContentType: d.ContentType, Content: d.Content,
		})
	}
	for _, m := range req.History {
		pub.History = append(pub.History, StageMessage{
			Role: string(m.Role), Content: m.Content, TS: time.UnixMilli(m.TS).UTC(),
		})
	}
	return pub
}
