package model

import "fmt"

// AgentID names one stage of the pipeline.
type AgentID string

const (
	AgentReview     AgentID = "review"
	AgentIdeation   AgentID = "ideation"
	AgentExperiment AgentID = "experiment"
)

// Pipeline lists the agents in canonical stage order.
var Pipeline = []AgentID{AgentReview, AgentIdeation, AgentExperiment}

// Valid reports whether a is one of the pipeline agents.
func (a AgentID) Valid() bool {
	switch a {
	case AgentReview, AgentIdeation, AgentExperiment:
		return true
	}
	return false
}

// ParseAgentID validates s as an agent identifier.
func ParseAgentID(s string) (AgentID, error) {
	a := AgentID(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown agent %q", ErrValidation, s)
	}
	return a, nil
}

// AgentStatus is the derived execution status of one agent within a run.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusRunning, AgentStatusCompleted, AgentStatusFailed:
		return true
	}
	return false
}

// TransitionCause says why an agent is being moved to a new status.
type TransitionCause int

const (
	CauseAdvance  TransitionCause = iota // normal forward progression
	CauseFeedback                        // re-entry through the feedback edge
	CauseRetry                           // explicit retry command
)

// ValidateAgentTransition enforces idle→running→{completed,failed}.
// failed→running requires CauseRetry and completed→running requires
// CauseFeedback.
func ValidateAgentTransition(from, to AgentStatus, cause TransitionCause) error {
	ok := false
	switch from {
	case AgentStatusIdle:
		ok = to == AgentStatusRunning
	case AgentStatusRunning:
		ok = to == AgentStatusCompleted || to == AgentStatusFailed
	case AgentStatusCompleted:
		ok = to == AgentStatusRunning && cause == CauseFeedback
	case AgentStatusFailed:
		ok = to == AgentStatusRunning && cause == CauseRetry
	}
	if !ok {
		return fmt.Errorf("%w: invalid agent transition: %s -> %s", ErrConflict, from, to)
	}
	return nil
}

// SubtaskStatus is the status of one unit of work inside a stage.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// Valid reports whether s is a known subtask status.
func (s SubtaskStatus) Valid() bool {
	switch s {
	case SubtaskPending, SubtaskRunning, SubtaskCompleted, SubtaskFailed:
		return true
	}
	return false
}

// Subtask is a fine-grained unit of work inside a stage. A stage's list is
// always replaced wholesale.
type Subtask struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   SubtaskStatus `json:"status"`
	Progress float64       `json:"progress"`
}

// AgentState is the per (run, agent) fold result. State duplicates Status
// for older dashboards that read it.
type AgentState struct {
	AgentID     AgentID     `json:"agentId"`
	Status      AgentStatus `json:"status"`
	State       AgentStatus `json:"state,omitempty"`
	Progress    float64     `json:"progress"`
	LastSummary string      `json:"lastSummary,omitempty"`
	LastUpdate  int64       `json:"lastUpdate"`
	RunID       string      `json:"runId,omitempty"`
	Subtasks    []Subtask   `json:"subtasks,omitempty"`
}

// IdleAgent returns the default state for an agent with no events yet.
func IdleAgent(id AgentID, runID string) AgentState {
	return AgentState{AgentID: id, Status: AgentStatusIdle, State: AgentStatusIdle, RunID: runID}
}
