package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventKind is the discriminator of the Event payload union.
type EventKind string

const (
	KindAgentStatusUpdated   EventKind = "agent_status_updated"
	KindEventEmitted         EventKind = "event_emitted"
	KindArtifactCreated      EventKind = "artifact_created"
	KindMessageCreated       EventKind = "message_created"
	KindAgentSubtasksUpdated EventKind = "agent_subtasks_updated"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindAgentStatusUpdated, KindEventEmitted, KindArtifactCreated, KindMessageCreated, KindAgentSubtasksUpdated:
		return true
	}
	return false
}

// Severity grades an event for display.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityError:
		return true
	}
	return false
}

// Payload is the per-kind body of an Event. Exactly one concrete type
// exists per kind.
type Payload interface {
	Kind() EventKind
}

// StatusPayload is the payload of agent_status_updated.
type StatusPayload struct {
	Status    AgentStatus `json:"status"`
	Progress  float64     `json:"progress"`
	Stage     AgentID     `json:"stage,omitempty"`
	Iteration int         `json:"iteration,omitempty"`
}

func (StatusPayload) Kind() EventKind { return KindAgentStatusUpdated }

// Details is the free-form payload of event_emitted. By convention "phase"
// names the lifecycle step the event reports.
type Details map[string]any

func (Details) Kind() EventKind { return KindEventEmitted }

// Phase returns the "phase" entry, or "" when absent.
func (d Details) Phase() string {
	s, _ := d["phase"].(string)
	return s
}

// ArtifactPayload is the optional payload of artifact_created.
type ArtifactPayload struct {
	Stage        AgentID `json:"stage,omitempty"`
	Iteration    int     `json:"iteration,omitempty"`
	HandoffTo    AgentID `json:"handoffTo,omitempty"`
	ArtifactRole string  `json:"artifactRole,omitempty"`
}

func (ArtifactPayload) Kind() EventKind { return KindArtifactCreated }

// MessagePayload is the payload of message_created.
type MessagePayload struct {
	Message Message `json:"message"`
}

func (MessagePayload) Kind() EventKind { return KindMessageCreated }

// SubtasksPayload is the payload of agent_subtasks_updated. It carries the
// full list, never a diff.
type SubtasksPayload struct {
	Subtasks     []Subtask `json:"subtasks"`
	SubtaskCount int       `json:"subtaskCount"`
	Stage        AgentID   `json:"stage"`
}

func (SubtasksPayload) Kind() EventKind { return KindAgentSubtasksUpdated }

// NewSubtasksPayload builds a payload whose count matches the list.
func NewSubtasksPayload(stage AgentID, subtasks []Subtask) SubtasksPayload {
	cp := make([]Subtask, len(subtasks))
	copy(cp, subtasks)
	return SubtasksPayload{Subtasks: cp, SubtaskCount: len(cp), Stage: stage}
}

// Event is the immutable unit of the per-topic log.
type Event struct {
	EventID   string     `json:"eventId"`
	TS        int64      `json:"ts"`
	TopicID   string     `json:"topicId"`
	RunID     string     `json:"runId"`
	AgentID   AgentID    `json:"agentId"`
	Kind      EventKind  `json:"kind"`
	Severity  Severity   `json:"severity"`
	Summary   string     `json:"summary"`
	Payload   Payload    `json:"-"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	TraceID   string     `json:"traceId,omitempty"`
}

type eventAlias Event

type eventWire struct {
	eventAlias
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON writes the payload under "payload" using its concrete shape.
func (e Event) MarshalJSON() ([]byte, error) {
	w := eventWire{eventAlias: eventAlias(e)}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the payload into the concrete type for e.Kind.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	*e = Event(w.eventAlias)
	e.Payload = p
	return nil
}

// DecodePayload decodes raw into the payload type registered for kind.
// An empty or null payload yields nil.
func DecodePayload(kind EventKind, raw json.RawMessage) (Payload, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrValidation, kind)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var (
		p   Payload
		err error
	)
	switch kind {
	case KindAgentStatusUpdated:
		var v StatusPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindEventEmitted:
		var v Details
		err = json.Unmarshal(raw, &v)
		p = v
	case KindArtifactCreated:
		var v ArtifactPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindMessageCreated:
		var v MessagePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindAgentSubtasksUpdated:
		var v SubtasksPayload
		err = json.Unmarshal(raw, &v)
		p = v
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrValidation, kind, err)
	}
	return p, nil
}

// Validate checks the Event shape: required fields, known enums, and that
// payload and artifacts agree with the kind.
func (e Event) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: eventId is required", ErrValidation)
	case e.TopicID == "":
		return fmt.Errorf("%w: topicId is required", ErrValidation)
	case e.RunID == "":
		return fmt.Errorf("%w: runId is required", ErrValidation)
	case !e.AgentID.Valid():
		return fmt.Errorf("%w: unknown agentId %q", ErrValidation, e.AgentID)
	case !e.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, e.Kind)
	case !e.Severity.Valid():
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, e.Severity)
	case e.Summary == "":
		return fmt.Errorf("%w: summary is required", ErrValidation)
	case e.TS < 0:
		return fmt.Errorf("%w: ts must be non-negative", ErrValidation)
	}
	if e.Payload != nil && e.Payload.Kind() != e.Kind {
		return fmt.Errorf("%w: %s payload attached to %s event", ErrValidation, e.Payload.Kind(), e.Kind)
	}
	if e.Kind != KindArtifactCreated && len(e.Artifacts) > 0 {
		return fmt.Errorf("%w: artifacts are only allowed on %s", ErrValidation, KindArtifactCreated)
	}
	return e.validatePayload()
}

func (e Event) validatePayload() error {
	switch e.Kind {
	case KindAgentStatusUpdated:
		p, ok := e.Payload.(StatusPayload)
		if !ok {
			return fmt.Errorf("%w: %s requires a status payload", ErrValidation, e.Kind)
		}
		if !p.Status.Valid() {
			return fmt.Errorf("%w: unknown agent status %q", ErrValidation, p.Status)
		}
	case KindArtifactCreated:
		if len(e.Artifacts) == 0 {
			return fmt.Errorf("%w: artifacts is required when kind=%s", ErrValidation, e.Kind)
		}
		for i, a := range e.Artifacts {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("artifacts[%d]: %w", i, err)
			}
		}
	case KindMessageCreated:
		p, ok := e.Payload.(MessagePayload)
		if !ok {
			return fmt.Errorf("%w: %s requires payload.message", ErrValidation, e.Kind)
		}
		if err := p.Message.Validate(); err != nil {
			return fmt.Errorf("payload.message: %w", err)
		}
	case KindAgentSubtasksUpdated:
		p, ok := e.Payload.(SubtasksPayload)
		if !ok {
			return fmt.Errorf("%w: %s requires a subtasks payload", ErrValidation, e.Kind)
		}
		for i, st := range p.Subtasks {
			if st.ID == "" || !st.Status.Valid() {
				return fmt.Errorf("%w: subtasks[%d] is malformed", ErrValidation, i)
			}
		}
	}
	return nil
}

// DecodeEvent parses and validates one inbound frame.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: decode event: %v", ErrValidation, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// EventFilter selects events for reads. Limit 0 means no limit; otherwise
// the most recent Limit events are returned, oldest first. A positive Since
// keeps only events with ts >= Since.
type EventFilter struct {
	TopicID string
	RunID   string
	Since   int64
	Limit   int
}
