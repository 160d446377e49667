package kansoku

import (
	"fmt"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/projection"
)

// DefaultRecentLimit caps the recent-events buffer.
const DefaultRecentLimit = 500

// EngineOptions configures an Engine.
type EngineOptions struct {
	// RecentLimit caps the recent-events buffer; the oldest entries are
	// evicted first. Defaults to DefaultRecentLimit.
	RecentLimit int

	// OnError receives frames that fail to decode or validate. They are
	// dropped; the engine keeps running.
	OnError func(error)
}

// SessionInfo is what the server reports in its connected frame.
type SessionInfo struct {
	RunID string
	User  string
	TS    int64
}

// Engine folds a snapshot plus a live event stream into projections. Every
// fold is idempotent and the trace is independent of delivery order, so
// duplicate or replayed frames are harmless.
//
// Engine is not safe for concurrent use; feed it from one goroutine.
type Engine struct {
	opts EngineOptions

	topic    model.Topic
	runID    string
	state    *projection.State
	timeline *projection.Timeline
	recent   []model.Event
	seen     map[string]struct{}
	lastTS   int64
	session  SessionInfo
}

// NewEngine returns an engine with every agent idle.
func NewEngine(opts EngineOptions) *Engine {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = DefaultRecentLimit
	}
	e := &Engine{opts: opts}
	e.reset("")
	return e
}

func (e *Engine) reset(runID string) {
	e.runID = runID
	e.state = projection.NewState(runID)
	e.timeline = projection.NewTimeline()
	e.recent = nil
	e.seen = make(map[string]struct{})
	e.lastTS = 0
}

// Bootstrap replaces all projections with the contents of snap. Agents
// absent from the snapshot are idle.
func (e *Engine) Bootstrap(snap *Snapshot) {
	e.topic = snap.Topic
	e.reset(snap.RunID)
	e.state.Seed(snap.Agents, snap.Artifacts)
	// Seeded agents carry their lastUpdate, so replaying the tail only adds
	// what the seed lacks (conversations).
	for _, ev := range snap.Events {
		if ev.RunID == e.runID {
			e.state.Apply(ev)
		}
		e.timeline.AddEvent(ev)
		e.remember(ev)
		if ev.TS > e.lastTS {
			e.lastTS = ev.TS
		}
	}
	if snap.GeneratedAt > e.lastTS {
		e.lastTS = snap.GeneratedAt
	}
}

// HandleFrame decodes and applies one raw frame. Frames that are not a
// valid Event are reported to OnError and dropped. It returns whether the
// frame changed anything.
func (e *Engine) HandleFrame(data []byte) bool {
	ev, err := model.DecodeEvent(data)
	if err != nil {
		e.report(fmt.Errorf("kansoku: dropped frame: %w", err))
		return false
	}
	return e.Apply(ev)
}

// Apply folds one validated event. Applying an event already seen is a
// no-op and returns false.
func (e *Engine) Apply(ev Event) bool {
	if isConnectedFrame(ev) {
		e.session = SessionInfo{RunID: ev.RunID, TS: ev.TS}
		if d, ok := ev.Payload.(model.Details); ok {
			e.session.User, _ = d["user"].(string)
		}
		return false
	}
	if _, ok := e.seen[ev.EventID]; ok {
		return false
	}
	if ev.TopicID != e.topic.ID && e.topic.ID != "" {
		e.report(fmt.Errorf("kansoku: event %s belongs to topic %s", ev.EventID, ev.TopicID))
		return false
	}

	// A new run resets run-scoped projections; older runs' stragglers only
	// reach the trace.
	if ev.RunID != e.runID && ev.TS >= e.lastTS {
		e.startRun(ev.RunID)
	}
	if ev.RunID == e.runID {
		e.state.Apply(ev)
	}
	e.timeline.AddEvent(ev)
	e.remember(ev)
	if ev.TS > e.lastTS {
		e.lastTS = ev.TS
	}
	return true
}

func (e *Engine) startRun(runID string) {
	e.runID = runID
	e.state = projection.NewState(runID)
}

func (e *Engine) remember(ev model.Event) {
	if _, ok := e.seen[ev.EventID]; ok {
		return
	}
	e.seen[ev.EventID] = struct{}{}
	e.recent = append(e.recent, ev)
	if over := len(e.recent) - e.opts.RecentLimit; over > 0 {
		for _, old := range e.recent[:over] {
			delete(e.seen, old.EventID)
		}
		e.recent = append([]model.Event(nil), e.recent[over:]...)
	}
}

func (e *Engine) report(err error) {
	if e.opts.OnError != nil {
		e.opts.OnError(err)
	}
}

// isConnectedFrame reports whether ev is the per-connection greeting the
// server sends first. It is not part of the log and is never folded.
func isConnectedFrame(ev model.Event) bool {
	if ev.Kind != model.KindEventEmitted || ev.Summary != "connected" {
		return false
	}
	d, ok := ev.Payload.(model.Details)
	return ok && d["phase"] == "connected"
}

// Topic returns the topic from the last bootstrap.
func (e *Engine) Topic() Topic { return e.topic }

// RunID returns the run the agent projections describe.
func (e *Engine) RunID() string { return e.runID }

// Session returns what the last connected frame reported.
func (e *Engine) Session() SessionInfo { return e.session }

// LastTS returns the newest event timestamp seen, or the snapshot's
// generation instant if no newer event has arrived.
func (e *Engine) LastTS() int64 { return e.lastTS }

// Agents returns every pipeline agent's state in pipeline order.
func (e *Engine) Agents() []AgentState { return e.state.Agents() }

// Agent returns one agent's state.
func (e *Engine) Agent(id AgentID) AgentState { return e.state.Agent(id) }

// Subtasks returns an agent's current subtask list.
func (e *Engine) Subtasks(id AgentID) []Subtask { return e.state.Subtasks(id) }

// Artifacts returns the deduped artifact set of the current run.
func (e *Engine) Artifacts() []Artifact { return e.state.Artifacts() }

// Messages returns an agent's conversation ordered by ts.
func (e *Engine) Messages(id AgentID) []Message { return e.state.Messages(id) }

// Trace returns the merged trace items sorted by ts.
func (e *Engine) Trace() []TraceItem { return e.timeline.Items() }

// Recent returns the recent-events buffer, oldest first.
func (e *Engine) Recent() []Event {
	return append([]Event(nil), e.recent...)
}
