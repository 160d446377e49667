package model

import "encoding/json"

// TraceItemKind is the display category of a trace item.
type TraceItemKind string

const (
	TraceMessage  TraceItemKind = "message"
	TraceArtifact TraceItemKind = "artifact"
	TraceStatus   TraceItemKind = "status"
	TraceEvent    TraceItemKind = "event"
)

// TraceItem is a display-oriented projection of one Event. It is never
// stored; it is re-derived from the Event it came from.
type TraceItem struct {
	ID        string          `json:"id"`
	Kind      TraceItemKind   `json:"kind"`
	TS        int64           `json:"ts"`
	RunID     string          `json:"runId,omitempty"`
	AgentID   AgentID         `json:"agentId"`
	EventID   string          `json:"eventId,omitempty"`
	EventKind EventKind       `json:"eventKind,omitempty"`
	Severity  Severity        `json:"severity,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Artifact  *Artifact       `json:"artifact,omitempty"`
	Message   *Message        `json:"message,omitempty"`
}

// TraceView is the response body for GET /topics/{id}/trace.
type TraceView struct {
	TopicID string      `json:"topicId"`
	RunID   string      `json:"runId,omitempty"`
	Items   []TraceItem `json:"items"`
}
