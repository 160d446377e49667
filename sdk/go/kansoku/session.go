package kansoku

import (
	"context"
	"log/slog"
	"sync"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	Snapshot    SnapshotOptions
	RecentLimit int

	// OnChange is called after a frame changed the projections.
	OnChange func()
	// OnError receives dropped frames.
	OnError func(error)
	// OnState receives connection state transitions.
	OnState func(ConnState)

	Scheduler Scheduler
	Logger    *slog.Logger
}

// Session keeps one topic's projections current: it bootstraps from a
// snapshot, then attaches a live subscription that replays from the
// snapshot's generation instant. Callbacks run without the session lock
// held, so they may read the session.
type Session struct {
	client  *Client
	topicID string
	opts    SessionOptions

	mu      sync.Mutex
	engine  *Engine
	epoch   uint64
	conn    *Conn
	closed  bool
	pending []error
}

// Open bootstraps a session for topicID and attaches its subscription.
func (c *Client) Open(ctx context.Context, topicID string, opts SessionOptions) (*Session, error) {
	s := &Session{client: c, topicID: topicID, opts: opts}
	s.engine = NewEngine(EngineOptions{
		RecentLimit: opts.RecentLimit,
		OnError:     func(err error) { s.pending = append(s.pending, err) },
	})
	if err := s.Load(ctx, opts.Snapshot); err != nil {
		return nil, err
	}
	return s, nil
}

// Load fetches a fresh snapshot, rebuilds the projections from it and
// reattaches the subscription. If another Load or Close starts before the
// fetch returns, the result is discarded and ErrStale is returned.
func (s *Session) Load(ctx context.Context, opts SnapshotOptions) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.epoch++
	epoch := s.epoch
	old := s.conn
	s.conn = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	snap, err := s.client.Snapshot(ctx, s.topicID, opts)

	s.mu.Lock()
	if s.closed || epoch != s.epoch {
		s.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.engine.Bootstrap(snap)
	s.mu.Unlock()

	conn, err := Dial(ConnConfig{
		URL:            s.client.baseURL,
		TopicID:        s.topicID,
		Token:          s.client.Token,
		Since:          s.LastTS,
		OnFrame:        func(data []byte) { s.handleFrame(epoch, data) },
		OnState:        s.opts.OnState,
		OnUnauthorized: s.client.unauthorized,
		Scheduler:      s.opts.Scheduler,
		HTTPClient:     s.client.client,
		Logger:         s.opts.Logger,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || epoch != s.epoch {
		s.mu.Unlock()
		conn.Close()
		return ErrStale
	}
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Session) handleFrame(epoch uint64, data []byte) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	changed := s.engine.HandleFrame(data)
	errs := s.pending
	s.pending = nil
	s.mu.Unlock()

	if s.opts.OnError != nil {
		for _, err := range errs {
			s.opts.OnError(err)
		}
	}
	if changed && s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}

// Close detaches the subscription. Pending loads return ErrStale.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.epoch++
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// State returns the subscription state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if conn == nil {
		if closed {
			return StateClosed
		}
		return StateConnecting
	}
	return conn.State()
}

// View calls fn with the engine under the session lock. fn must not retain
// the engine or call back into the session.
func (s *Session) View(fn func(*Engine)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.engine)
}

// LastTS returns the newest instant the projections reflect.
func (s *Session) LastTS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.LastTS()
}

// Agents returns a copy of the agent projections.
func (s *Session) Agents() []AgentState {
	var out []AgentState
	s.View(func(e *Engine) { out = e.Agents() })
	return out
}

// Artifacts returns a copy of the artifact set.
func (s *Session) Artifacts() []Artifact {
	var out []Artifact
	s.View(func(e *Engine) { out = e.Artifacts() })
	return out
}

// Trace returns a copy of the merged trace.
func (s *Session) Trace() []TraceItem {
	var out []TraceItem
	s.View(func(e *Engine) { out = e.Trace() })
	return out
}

// Command sends a command to one of the session topic's agents.
func (s *Session) Command(ctx context.Context, agentID AgentID, in CommandInput) (*CommandReceipt, error) {
	return s.client.Command(ctx, s.topicID, agentID, in)
}
