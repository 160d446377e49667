package model

import (
	"fmt"
	"strings"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusStopped    RunStatus = "stopped"
	RunStatusSuperseded RunStatus = "superseded"
)

// NonTerminalRunStatuses lists the statuses a topic's active run can hold.
var NonTerminalRunStatuses = []RunStatus{RunStatusQueued, RunStatusRunning}

// Terminal reports whether no forward progression is possible from s.
// A failed run is terminal; only an explicit retry reopens it.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning:
		return false
	}
	return true
}

var runTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunStatusQueued: {
		RunStatusRunning:    {},
		RunStatusFailed:     {},
		RunStatusStopped:    {},
		RunStatusSuperseded: {},
	},
	RunStatusRunning: {
		RunStatusCompleted:  {},
		RunStatusFailed:     {},
		RunStatusStopped:    {},
		RunStatusSuperseded: {},
	},
	RunStatusFailed: {
		RunStatusSuperseded: {},
	},
	RunStatusCompleted:  {},
	RunStatusStopped:    {},
	RunStatusSuperseded: {},
}

// ValidateRunTransition checks that a run may move from one status to
// another. failed→running is only legal when retry is set.
func ValidateRunTransition(from, to RunStatus, retry bool) error {
	next, ok := runTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown run status %q", ErrValidation, from)
	}
	if retry && from == RunStatusFailed && to == RunStatusRunning {
		return nil
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: invalid run transition: %s -> %s", ErrConflict, from, to)
	}
	return nil
}

// Run is one execution of the pipeline under a topic.
type Run struct {
	ID        string    `json:"runId"`
	TopicID   string    `json:"topicId"`
	Status    RunStatus `json:"status"`
	Stage     AgentID   `json:"stage,omitempty"`
	Iteration int       `json:"iteration"`
	Trigger   string    `json:"trigger,omitempty"`
	Note      string    `json:"note,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt int64     `json:"createdAt"`
	StartedAt *int64    `json:"startedAt,omitempty"`
	EndedAt   *int64    `json:"endedAt,omitempty"`
}

// RunUpdate describes a conditional status transition and the fields that
// change with it. The store applies it only when the current status is one
// of From.
type RunUpdate struct {
	From      []RunStatus
	Status    RunStatus
	Stage     *AgentID
	Iteration *int
	Error     *string
	StartedAt *int64
	EndedAt   *int64
}

// CreateRunRequest is the optional request body for POST /topics/{id}/runs.
type CreateRunRequest struct {
	Trigger   string `json:"trigger,omitempty"`
	Initiator string `json:"initiator,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Normalize fills defaults and trims free text.
func (r CreateRunRequest) Normalize() CreateRunRequest {
	r.Trigger = strings.TrimSpace(r.Trigger)
	if r.Trigger == "" {
		r.Trigger = "manual"
	}
	r.Initiator = strings.TrimSpace(r.Initiator)
	if r.Initiator == "" {
		r.Initiator = "user"
	}
	r.Note = strings.TrimSpace(r.Note)
	return r
}

// RunCreated is the response body for POST /topics/{id}/runs.
type RunCreated struct {
	RunID     string    `json:"runId"`
	TopicID   string    `json:"topicId"`
	Status    RunStatus `json:"status"`
	CreatedAt int64     `json:"createdAt"`
	StartedAt *int64    `json:"startedAt,omitempty"`
}
