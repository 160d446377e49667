package projection

import (
	"encoding/json"
	"sort"

	"github.com/ashita-ai/kansoku/internal/model"
)

// TraceItems maps one event to its timeline entries. The mapping is a pure
// function of the event.
func TraceItems(e model.Event) []model.TraceItem {
	base := model.TraceItem{
		TS:        e.TS,
		RunID:     e.RunID,
		AgentID:   e.AgentID,
		EventID:   e.EventID,
		EventKind: e.Kind,
		Severity:  e.Severity,
		Summary:   e.Summary,
		Payload:   payloadJSON(e.Payload),
	}

	switch e.Kind {
	case model.KindMessageCreated:
		p, ok := e.Payload.(model.MessagePayload)
		if !ok {
			return nil
		}
		return []model.TraceItem{MessageItem(p.Message, base)}

	case model.KindArtifactCreated:
		items := make([]model.TraceItem, 0, len(e.Artifacts))
		for i, a := range e.Artifacts {
			it := base
			art := a
			it.ID = "artifact-" + ArtifactKey(e.EventID, i, a)
			it.Kind = model.TraceArtifact
			it.Artifact = &art
			items = append(items, it)
		}
		return items

	case model.KindAgentStatusUpdated:
		base.ID = "status-" + e.EventID
		base.Kind = model.TraceStatus
		return []model.TraceItem{base}

	default:
		base.ID = "event-" + e.EventID
		base.Kind = model.TraceEvent
		return []model.TraceItem{base}
	}
}

// MessageItem builds the trace entry of a message. base carries the
// originating event's fields, or is zero for messages read from storage.
func MessageItem(m model.Message, base model.TraceItem) model.TraceItem {
	msg := m
	base.ID = "msg-" + m.MessageID
	base.Kind = model.TraceMessage
	base.TS = m.TS
	base.RunID = m.RunID
	base.AgentID = m.AgentID
	base.Message = &msg
	if base.Summary == "" {
		base.Summary = string(m.Role) + " message"
	}
	return base
}

func payloadJSON(p model.Payload) json.RawMessage {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return raw
}

// Timeline merges trace items by id. When two different sources produce
// the same id, the earliest (ts, eventId) wins, so the result does not
// depend on delivery order.
type Timeline struct {
	items map[string]model.TraceItem
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{items: make(map[string]model.TraceItem)}
}

// AddEvent merges the items derived from e.
func (t *Timeline) AddEvent(e model.Event) {
	for _, it := range TraceItems(e) {
		t.Add(it)
	}
}

// Add merges one item.
func (t *Timeline) Add(it model.TraceItem) {
	cur, ok := t.items[it.ID]
	if ok && !before(it, cur) {
		return
	}
	t.items[it.ID] = it
}

func before(a, b model.TraceItem) bool {
	if a.TS != b.TS {
		return a.TS < b.TS
	}
	return a.EventID < b.EventID
}

// Len returns the number of distinct items.
func (t *Timeline) Len() int {
	return len(t.items)
}

// Items returns the items sorted by ts, then id.
func (t *Timeline) Items() []model.TraceItem {
	out := make([]model.TraceItem, 0, len(t.items))
	for _, it := range t.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TS != out[j].TS {
			return out[i].TS < out[j].TS
		}
		return out[i].ID < out[j].ID
	})
	return out
}
