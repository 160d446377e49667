package model

import (
	"fmt"
	"strings"
)

// CommandName is an operator command against a run.
type CommandName string

const (
	CommandStart  CommandName = "start"
	CommandPause  CommandName = "pause"
	CommandResume CommandName = "resume"
	CommandStop   CommandName = "stop"
	CommandRetry  CommandName = "retry"
)

// Valid reports whether c is a known command.
func (c CommandName) Valid() bool {
	switch c {
	case CommandStart, CommandPause, CommandResume, CommandStop, CommandRetry:
		return true
	}
	return false
}

// CommandRequest is the request body for POST .../command. A request with
// only Text is recorded as operator input.
type CommandRequest struct {
	Text    string         `json:"text,omitempty"`
	Command CommandName    `json:"command,omitempty"`
	RunID   string         `json:"runId,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

// Validate checks that the request names a command or carries text.
func (r *CommandRequest) Validate() error {
	r.Text = strings.TrimSpace(r.Text)
	if r.Command == "" && r.Text == "" {
		return fmt.Errorf("%w: text or command is required", ErrValidation)
	}
	if r.Command != "" && !r.Command.Valid() {
		return fmt.Errorf("%w: unknown command %q", ErrValidation, r.Command)
	}
	if len(r.Text) > MaxMessageLen {
		return fmt.Errorf("%w: text exceeds maximum length of %d bytes", ErrValidation, MaxMessageLen)
	}
	return nil
}

// ArgString returns a string argument, or "" when absent.
func (r CommandRequest) ArgString(key string) string {
	s, _ := r.Args[key].(string)
	return strings.TrimSpace(s)
}

// CommandReceipt is the 202 response body for POST .../command.
type CommandReceipt struct {
	OK        bool        `json:"ok"`
	Accepted  bool        `json:"accepted"`
	CommandID string      `json:"commandId"`
	TopicID   string      `json:"topicId"`
	AgentID   AgentID     `json:"agentId"`
	RunID     string      `json:"runId"`
	Command   CommandName `json:"command,omitempty"`
	QueuedAt  int64       `json:"queuedAt"`
}
