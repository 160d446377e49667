// Package projection holds the pure folds that turn an Event sequence into
// derived state. The snapshot builder and the client reconciliation engine
// share them, so a snapshot and a live fold of the same events agree.
//
// Every fold is idempotent: applying the same Event twice leaves the state
// as it was after the first application.
package projection

import (
	"fmt"
	"sort"

	"github.com/ashita-ai/kansoku/internal/model"
)

// State is the fold of one run's events.
type State struct {
	runID      string
	agents     map[model.AgentID]model.AgentState
	subtaskTS  map[model.AgentID]int64
	artifacts  map[string]model.Artifact
	artOrder   []string
	messages   map[model.AgentID][]model.Message
	messageIDs map[string]struct{}
}

// NewState returns a state with every pipeline agent idle.
func NewState(runID string) *State {
	s := &State{
		runID:      runID,
		agents:     make(map[model.AgentID]model.AgentState, len(model.Pipeline)),
		subtaskTS:  make(map[model.AgentID]int64),
		artifacts:  make(map[string]model.Artifact),
		messages:   make(map[model.AgentID][]model.Message),
		messageIDs: make(map[string]struct{}),
	}
	for _, id := range model.Pipeline {
		s.agents[id] = model.IdleAgent(id, runID)
	}
	return s
}

// Seed installs agent states and artifacts from a snapshot. Agents missing
// from the snapshot stay idle.
func (s *State) Seed(agents []model.AgentState, artifacts []model.Artifact) {
	for _, a := range agents {
		if !a.AgentID.Valid() {
			continue
		}
		if a.Status == "" {
			a.Status = a.State
		}
		if !a.Status.Valid() {
			a.Status = model.AgentStatusIdle
		}
		a.State = a.Status
		a.Progress = model.ClampProgress(a.Progress)
		if len(a.Subtasks) > 0 {
			a.Subtasks = cloneSubtasks(a.Subtasks)
			s.subtaskTS[a.AgentID] = a.LastUpdate
		}
		s.agents[a.AgentID] = a
	}
	for i, art := range artifacts {
		s.upsertArtifact(ArtifactKey("snapshot", i, art), art)
	}
}

// Apply folds e into the state.
func (s *State) Apply(e model.Event) {
	switch e.Kind {
	case model.KindAgentStatusUpdated:
		p, ok := e.Payload.(model.StatusPayload)
		if !ok {
			return
		}
		cur := s.agent(e.AgentID)
		if e.TS < cur.LastUpdate {
			return
		}
		cur.Status = p.Status
		cur.State = p.Status
		cur.Progress = model.ClampProgress(p.Progress)
		cur.LastSummary = e.Summary
		cur.LastUpdate = e.TS
		cur.RunID = e.RunID
		s.agents[e.AgentID] = cur

	case model.KindEventEmitted:
		cur := s.agent(e.AgentID)
		if e.TS < cur.LastUpdate {
			return
		}
		cur.LastSummary = e.Summary
		cur.LastUpdate = e.TS
		s.agents[e.AgentID] = cur

	case model.KindArtifactCreated:
		for i, a := range e.Artifacts {
			s.upsertArtifact(ArtifactKey(e.EventID, i, a), a)
		}

	case model.KindMessageCreated:
		p, ok := e.Payload.(model.MessagePayload)
		if !ok {
			return
		}
		s.upsertMessage(p.Message)

	case model.KindAgentSubtasksUpdated:
		p, ok := e.Payload.(model.SubtasksPayload)
		if !ok {
			return
		}
		if e.TS < s.subtaskTS[e.AgentID] {
			return
		}
		s.subtaskTS[e.AgentID] = e.TS
		cur := s.agent(e.AgentID)
		cur.Subtasks = cloneSubtasks(p.Subtasks)
		s.agents[e.AgentID] = cur
	}
}

// ApplyAll folds events in order.
func (s *State) ApplyAll(events []model.Event) {
	for _, e := range events {
		s.Apply(e)
	}
}

func (s *State) agent(id model.AgentID) model.AgentState {
	if a, ok := s.agents[id]; ok {
		return a
	}
	return model.IdleAgent(id, s.runID)
}

// upsertArtifact merges a into the record under key. Non-empty fields of
// the newer reference win.
func (s *State) upsertArtifact(key string, a model.Artifact) {
	cur, ok := s.artifacts[key]
	if !ok {
		s.artOrder = append(s.artOrder, key)
		if a.ArtifactID == "" {
			a.ArtifactID = key
		}
		s.artifacts[key] = a
		return
	}
	if a.Name != "" {
		cur.Name = a.Name
	}
	if a.URI != "" {
		cur.URI = a.URI
	}
	if a.ContentType != "" {
		cur.ContentType = a.ContentType
	}
	s.artifacts[key] = cur
}

func (s *State) upsertMessage(m model.Message) {
	if !m.AgentID.Valid() {
		return
	}
	list := s.messages[m.AgentID]
	if _, seen := s.messageIDs[m.MessageID]; seen {
		for i := range list {
			if list[i].MessageID == m.MessageID {
				list[i] = m
			}
		}
	} else {
		s.messageIDs[m.MessageID] = struct{}{}
		list = append(list, m)
	}
	SortMessages(list)
	s.messages[m.AgentID] = list
}

// Agent returns the current state of one agent.
func (s *State) Agent(id model.AgentID) model.AgentState {
	a := s.agent(id)
	a.Subtasks = cloneSubtasks(a.Subtasks)
	return a
}

// Agents returns pipeline agents in stage order.
func (s *State) Agents() []model.AgentState {
	out := make([]model.AgentState, 0, len(model.Pipeline))
	for _, id := range model.Pipeline {
		out = append(out, s.Agent(id))
	}
	return out
}

// Subtasks returns the current subtask list of an agent.
func (s *State) Subtasks(id model.AgentID) []model.Subtask {
	return cloneSubtasks(s.agents[id].Subtasks)
}

// Artifacts returns the deduped artifact set in first-seen order.
func (s *State) Artifacts() []model.Artifact {
	out := make([]model.Artifact, 0, len(s.artOrder))
	for _, k := range s.artOrder {
		out = append(out, s.artifacts[k])
	}
	return out
}

// Artifact looks up an artifact by its key.
func (s *State) Artifact(key string) (model.Artifact, bool) {
	a, ok := s.artifacts[key]
	return a, ok
}

// Messages returns an agent's conversation ordered by ts.
func (s *State) Messages(id model.AgentID) []model.Message {
	list := s.messages[id]
	out := make([]model.Message, len(list))
	copy(out, list)
	return out
}

// ArtifactKey is the identity of the index-th artifact of an event: its
// artifactId, or "<eventId>-<index>" when the id is absent.
func ArtifactKey(eventID string, index int, a model.Artifact) string {
	if a.ArtifactID != "" {
		return a.ArtifactID
	}
	return fmt.Sprintf("%s-%d", eventID, index)
}

// SortMessages orders messages by ts, then by id for equal timestamps.
func SortMessages(list []model.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].TS != list[j].TS {
			return list[i].TS < list[j].TS
		}
		return list[i].MessageID < list[j].MessageID
	})
}

func cloneSubtasks(in []model.Subtask) []model.Subtask {
	if in == nil {
		return nil
	}
	out := make([]model.Subtask, len(in))
	copy(out, in)
	return out
}
