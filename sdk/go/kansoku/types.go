package kansoku

import "github.com/ashita-ai/kansoku/internal/model"

// Wire types shared with the server.
type (
	Event          = model.Event
	EventKind      = model.EventKind
	Severity       = model.Severity
	AgentID        = model.AgentID
	AgentState     = model.AgentState
	AgentStatus    = model.AgentStatus
	Subtask        = model.Subtask
	Artifact       = model.Artifact
	Message        = model.Message
	Topic          = model.Topic
	TopicList      = model.TopicList
	Snapshot       = model.Snapshot
	TraceItem      = model.TraceItem
	TraceView      = model.TraceView
	RunCreated     = model.RunCreated
	CommandName    = model.CommandName
	CommandReceipt = model.CommandReceipt
	Details        = model.Details
)

// Pipeline agents.
const (
	AgentReview     = model.AgentReview
	AgentIdeation   = model.AgentIdeation
	AgentExperiment = model.AgentExperiment
)

// Agent statuses.
const (
	AgentStatusIdle      = model.AgentStatusIdle
	AgentStatusRunning   = model.AgentStatusRunning
	AgentStatusCompleted = model.AgentStatusCompleted
	AgentStatusFailed    = model.AgentStatusFailed
)

// Commands accepted by Client.Command.
const (
	CommandStart  = model.CommandStart
	CommandPause  = model.CommandPause
	CommandResume = model.CommandResume
	CommandStop   = model.CommandStop
	CommandRetry  = model.CommandRetry
)

// CreateTopicInput is the body for Client.CreateTopic.
type CreateTopicInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Objective   string   `json:"objective,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// CreateRunInput is the optional body for Client.CreateRun.
type CreateRunInput struct {
	Trigger   string `json:"trigger,omitempty"`
	Initiator string `json:"initiator,omitempty"`
	Note      string `json:"note,omitempty"`
}

// CommandInput is the body for Client.Command. Either Command or Text must
// be set; Text is parsed server-side ("start", "/retry", ...).
type CommandInput struct {
	Command CommandName    `json:"command,omitempty"`
	Text    string         `json:"text,omitempty"`
	RunID   string         `json:"runId,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

// SnapshotOptions selects the snapshot window. Zero values use server
// defaults.
type SnapshotOptions struct {
	Limit int
	RunID string
}
