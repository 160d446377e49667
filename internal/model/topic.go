package model

import (
	"fmt"
	"strings"
)

// Field length limits for topic metadata.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 8 * 1024
	MaxObjectiveLen   = 8 * 1024
	MaxTags           = 20
	MaxTagLen         = 50
)

// TopicStatus mirrors the status of the topic's most recent run.
type TopicStatus string

const (
	TopicStatusIdle       TopicStatus = "idle"
	TopicStatusQueued     TopicStatus = "queued"
	TopicStatusRunning    TopicStatus = "running"
	TopicStatusCompleted  TopicStatus = "completed"
	TopicStatusFailed     TopicStatus = "failed"
	TopicStatusStopped    TopicStatus = "stopped"
	TopicStatusSuperseded TopicStatus = "superseded"
)

// TopicStatusFor returns the topic status that mirrors a run status.
func TopicStatusFor(s RunStatus) TopicStatus {
	return TopicStatus(s)
}

// Topic is a long-lived workspace. It holds at most one non-terminal run,
// referenced by ActiveRunID.
type Topic struct {
	ID          string      `json:"topicId"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Objective   string      `json:"objective"`
	Tags        []string    `json:"tags"`
	Status      TopicStatus `json:"status"`
	ActiveRunID *string     `json:"activeRunId,omitempty"`
	LastRunID   *string     `json:"lastRunId,omitempty"`
	CreatedAt   int64       `json:"createdAt"`
	UpdatedAt   int64       `json:"updatedAt"`
}

// CreateTopicRequest is the request body for POST /topics. Name is accepted
// as an alias for Title.
type CreateTopicRequest struct {
	Title       string   `json:"title,omitempty"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Objective   string   `json:"objective,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ResolvedTitle returns the trimmed title, falling back to Name.
func (r CreateTopicRequest) ResolvedTitle() string {
	if t := strings.TrimSpace(r.Title); t != "" {
		return t
	}
	return strings.TrimSpace(r.Name)
}

// Validate checks required fields and length limits.
func (r CreateTopicRequest) Validate() error {
	title := r.ResolvedTitle()
	if title == "" {
		return fmt.Errorf("%w: title or name is required", ErrValidation)
	}
	if len(title) > MaxTitleLen {
		return fmt.Errorf("%w: title exceeds maximum length of %d characters", ErrValidation, MaxTitleLen)
	}
	if len(r.Description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds maximum length of %d bytes", ErrValidation, MaxDescriptionLen)
	}
	if len(r.Objective) > MaxObjectiveLen {
		return fmt.Errorf("%w: objective exceeds maximum length of %d bytes", ErrValidation, MaxObjectiveLen)
	}
	if len(r.Tags) > MaxTags {
		return fmt.Errorf("%w: at most %d tags are allowed", ErrValidation, MaxTags)
	}
	for i, tag := range r.Tags {
		if strings.TrimSpace(tag) == "" || len(tag) > MaxTagLen {
			return fmt.Errorf("%w: tags[%d] must be 1-%d characters", ErrValidation, i, MaxTagLen)
		}
	}
	return nil
}

// TopicList is the response body for GET /topics.
type TopicList struct {
	Items []Topic `json:"items"`
	Total int     `json:"total"`
}
