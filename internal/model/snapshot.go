package model

// Snapshot limits.
const (
	DefaultSnapshotLimit = 50
	MaxSnapshotLimit     = 500
)

// Snapshot is a point-in-time view of a topic. Events appended after
// GeneratedAt are not included and arrive on a subscription started
// afterwards.
type Snapshot struct {
	Topic       Topic        `json:"topic"`
	RunID       string       `json:"runId,omitempty"`
	Agents      []AgentState `json:"agents"`
	Events      []Event      `json:"events"`
	Artifacts   []Artifact   `json:"artifacts"`
	GeneratedAt int64        `json:"generatedAt"`
}
