package kansoku

import (
	"encoding/json"
	"time"
)

// Event is the public representation of one entry in a topic's event log.
// It is a curated view of the internal event for use in extension interfaces.
type Event struct {
	ID       string
	TopicID  string
	RunID    string
	AgentID  string
	Kind     string
	Severity string
	Summary  string
	TS       time.Time
	// Payload is the kind-specific body as JSON.
	Payload json.RawMessage
	// Artifacts names the artifacts this event announced.
	Artifacts []Artifact
}

// Artifact references one stored output file.
type Artifact struct {
	ID          string
	Name        string
	URI         string
	ContentType string
}

// StageRequest is everything a StageExecutor sees for one step.
type StageRequest struct {
	TopicID        string
	TopicTitle     string
	TopicObjective string
	RunID          string
	// Agent is review, ideation, or experiment.
	Agent     string
	Iteration int
	// Feedback is set for the ideation steps that revisit experiment results.
	Feedback bool
	// Upstream holds the documents earlier steps of this run produced.
	Upstream []StageDocument
	// History is the agent's conversation, oldest first.
	History []StageMessage
}

// StageDocument is an artifact produced by an earlier step.
type StageDocument struct {
	Agent       string
	Step        string
	Name        string
	ContentType string
	Content     string
}

// StageMessage is one chat message addressed to or from an agent.
type StageMessage struct {
	Role    string
	Content string
	TS      time.Time
}

// StageOutput is the result of a successful step.
type StageOutput struct {
	Files   []StageFile
	Summary string
}

// StageFile is one artifact to store. HandoffTo optionally names the agent
// that consumes it next.
type StageFile struct {
	Name        string
	ContentType string
	Role        string
	HandoffTo   string
	Content     []byte
}
