package model

import (
	"fmt"
	"strings"
)

// MaxMessageLen bounds a single conversational turn.
const MaxMessageLen = 32 * 1024

// MessageRole is the speaker of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Valid reports whether r is a known role.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is an immutable conversational turn tied to an agent. Identity is
// MessageID; ordering is by TS.
type Message struct {
	MessageID string      `json:"messageId"`
	TopicID   string      `json:"topicId"`
	RunID     string      `json:"runId,omitempty"`
	AgentID   AgentID     `json:"agentId"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	TS        int64       `json:"ts"`
}

// Validate checks the Message shape.
func (m Message) Validate() error {
	switch {
	case m.MessageID == "":
		return fmt.Errorf("%w: messageId is required", ErrValidation)
	case m.TopicID == "":
		return fmt.Errorf("%w: topicId is required", ErrValidation)
	case !m.AgentID.Valid():
		return fmt.Errorf("%w: unknown agentId %q", ErrValidation, m.AgentID)
	case !m.Role.Valid():
		return fmt.Errorf("%w: unknown role %q", ErrValidation, m.Role)
	case m.Content == "":
		return fmt.Errorf("%w: content is required", ErrValidation)
	case m.TS < 0:
		return fmt.Errorf("%w: ts must be non-negative", ErrValidation)
	}
	return nil
}

// CreateMessageRequest is the request body for POST .../messages.
type CreateMessageRequest struct {
	Content string `json:"content"`
}

// Validate trims and bounds the content.
func (r *CreateMessageRequest) Validate() error {
	r.Content = strings.TrimSpace(r.Content)
	if r.Content == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if len(r.Content) > MaxMessageLen {
		return fmt.Errorf("%w: content exceeds maximum length of %d bytes", ErrValidation, MaxMessageLen)
	}
	return nil
}

// MessageList is the response body for the messages endpoints.
type MessageList struct {
	Messages []Message `json:"messages"`
}

// MessageFilter selects messages. Zero values are wildcards; Limit keeps the
// most recent messages, returned oldest first.
type MessageFilter struct {
	TopicID string
	AgentID AgentID
	RunID   string
	Limit   int
}
