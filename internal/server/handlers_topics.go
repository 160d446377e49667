package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/kansoku/internal/model"
)

// HandleCreateTopic handles POST /topics.
func (h *Handlers) HandleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTopicRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeDomainError(w, r, "invalid topic", err)
		return
	}

	tags := make([]string, 0, len(req.Tags))
	for _, t := range req.Tags {
		tags = append(tags, strings.TrimSpace(t))
	}
	now := model.NowMillis()
	topic := model.Topic{
		ID:          model.NewID(),
		Title:       req.ResolvedTitle(),
		Description: strings.TrimSpace(req.Description),
		Objective:   strings.TrimSpace(req.Objective),
		Tags:        tags,
		Status:      model.TopicStatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateTopic(r.Context(), topic); err != nil {
		h.writeDomainError(w, r, "failed to create topic", err)
		return
	}
	h.logger.Info("topic created", "topic_id", topic.ID, "title", topic.Title)
	writeJSON(w, r, http.StatusCreated, topic)
}

// HandleListTopics handles GET /topics.
func (h *Handlers) HandleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, total, err := h.store.ListTopics(r.Context(), queryLimit(r, 50), queryOffset(r))
	if err != nil {
		h.writeDomainError(w, r, "failed to list topics", err)
		return
	}
	if topics == nil {
		topics = []model.Topic{}
	}
	writeJSON(w, r, http.StatusOK, model.TopicList{Items: topics, Total: total})
}

// HandleGetTopic handles GET /topics/{topicId}.
func (h *Handlers) HandleGetTopic(w http.ResponseWriter, r *http.Request) {
	topic, err := h.store.GetTopic(r.Context(), r.PathValue("topicId"))
	if err != nil {
		h.writeDomainError(w, r, "failed to get topic", err)
		return
	}
	writeJSON(w, r, http.StatusOK, topic)
}

// HandleDeleteTopic handles DELETE /topics/{topicId}. Topics with a
// non-terminal run cannot be deleted.
func (h *Handlers) HandleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	topicID := r.PathValue("topicId")
	if err := h.store.DeleteTopic(r.Context(), topicID); err != nil {
		h.writeDomainError(w, r, "failed to delete topic", err)
		return
	}
	h.log.Forget(topicID)
	if err := h.artifacts.RemoveTopic(topicID); err != nil {
		h.logger.Warn("failed to remove topic artifacts", "topic_id", topicID, "error", err)
	}
	h.logger.Info("topic deleted", "topic_id", topicID)
	w.WriteHeader(http.StatusNoContent)
}
