package server

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/snapshot"
)

// HandleSnapshot handles GET /topics/{topicId}/snapshot.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.Build(r.Context(), r.PathValue("topicId"), snapshot.Options{
		Limit: queryInt(r, "limit", 0),
		RunID: r.URL.Query().Get("runId"),
	})
	if err != nil {
		h.writeDomainError(w, r, "failed to build snapshot", err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleCreateRun handles POST /topics/{topicId}/runs. The body is optional.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, true); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	run, err := h.orch.CreateRun(r.Context(), r.PathValue("topicId"), req)
	if err != nil {
		h.writeDomainError(w, r, "failed to create run", err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("kansoku.run_id", run.ID))
	writeJSON(w, r, http.StatusCreated, model.RunCreated{
		RunID:     run.ID,
		TopicID:   run.TopicID,
		Status:    run.Status,
		CreatedAt: run.CreatedAt,
		StartedAt: run.StartedAt,
	})
}

// HandleCommand handles POST /topics/{topicId}/agents/{agentId}/command.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	agent, ok := pathAgent(w, r)
	if !ok {
		return
	}
	var req model.CommandRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	receipt, err := h.orch.IssueCommand(r.Context(), r.PathValue("topicId"), agent, req)
	if err != nil {
		h.writeDomainError(w, r, "failed to apply command", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, receipt)
}

// HandleListMessages handles GET /topics/{topicId}/agents/{agentId}/messages.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	agent, ok := pathAgent(w, r)
	if !ok {
		return
	}
	msgs, err := h.orch.ListMessages(r.Context(), r.PathValue("topicId"), agent,
		r.URL.Query().Get("runId"), queryLimit(r, 200))
	if err != nil {
		h.writeDomainError(w, r, "failed to list messages", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.MessageList{Messages: msgs})
}

// HandlePostMessage handles POST /topics/{topicId}/agents/{agentId}/messages.
func (h *Handlers) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	agent, ok := pathAgent(w, r)
	if !ok {
		return
	}
	var req model.CreateMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	msgs, err := h.orch.PostMessage(r.Context(), r.PathValue("topicId"), agent, req)
	if err != nil {
		h.writeDomainError(w, r, "failed to post message", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.MessageList{Messages: msgs})
}

// HandleTrace handles GET /topics/{topicId}/trace.
func (h *Handlers) HandleTrace(w http.ResponseWriter, r *http.Request) {
	view, err := h.snapshots.Trace(r.Context(), r.PathValue("topicId"), r.URL.Query().Get("runId"), queryInt(r, "limit", 0))
	if err != nil {
		h.writeDomainError(w, r, "failed to build trace", err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleArtifactContent handles GET /topics/{topicId}/artifacts/{artifactId}
// by streaming the stored bytes.
func (h *Handlers) HandleArtifactContent(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetArtifact(r.Context(), r.PathValue("topicId"), r.PathValue("artifactId"))
	if err != nil {
		h.writeDomainError(w, r, "failed to get artifact", err)
		return
	}
	f, err := h.artifacts.Open(rec)
	if err != nil {
		h.writeDomainError(w, r, "failed to open artifact", err)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", rec.ContentType)
	http.ServeContent(w, r, rec.Name, time.UnixMilli(rec.CreatedAt), f)
}
