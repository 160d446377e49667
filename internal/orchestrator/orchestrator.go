// Package orchestrator drives runs through the stage pipeline. It is the
// only writer of a run's events: stage transitions and operator commands
// for one run are serialized on that run's mutex, and every failure inside
// a stage is recorded as an event instead of escaping to callers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/artifacts"
	"github.com/ashita-ai/kansoku/internal/eventlog"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/stages"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// SessionRunID is the run id carried by conversation events of a topic that
// has never had a run.
const SessionRunID = "session"

// Config tunes the orchestrator.
type Config struct {
	// MaxFeedbackIterations bounds passes through the experiment→ideation
	// edge.
	MaxFeedbackIterations int
	// StageTimeout bounds one executor call. Zero means no limit.
	StageTimeout time.Duration
	// AutoStart starts a run as soon as it is created.
	AutoStart bool
}

// Orchestrator owns the live runs of this process.
type Orchestrator struct {
	store     storage.Store
	log       *eventlog.Log
	artifacts *artifacts.FS
	exec      stages.Executor
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	cfg       Config

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*runner
}

// New creates an Orchestrator. metrics may be nil.
func New(store storage.Store, log *eventlog.Log, fs *artifacts.FS, exec stages.Executor, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Orchestrator {
	if cfg.MaxFeedbackIterations < 0 {
		cfg.MaxFeedbackIterations = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		log:       log,
		artifacts: fs,
		exec:      exec,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		baseCtx:   ctx,
		stop:      cancel,
		runs:      make(map[string]*runner),
	}
}

// CreateRun creates a queued run for topicID, superseding any non-terminal
// run of the topic first. With AutoStart the run is started before it is
// returned.
func (o *Orchestrator) CreateRun(ctx context.Context, topicID string, req model.CreateRunRequest) (model.Run, error) {
	req = req.Normalize()
	topic, err := o.store.GetTopic(ctx, topicID)
	if err != nil {
		return model.Run{}, err
	}

	run := model.Run{
		ID:        model.NewID(),
		TopicID:   topicID,
		Status:    model.RunStatusQueued,
		Trigger:   req.Trigger,
		Note:      req.Note,
		CreatedAt: model.NowMillis(),
	}
	superseded, err := o.store.CreateRun(ctx, run)
	if err != nil {
		return model.Run{}, fmt.Errorf("orchestrator: create run: %w", err)
	}
	for _, id := range superseded {
		o.supersede(ctx, topicID, id, run.ID)
	}

	r := o.register(topic, run)
	o.logger.Info("run created", "topic_id", topicID, "run_id", run.ID, "trigger", req.Trigger, "superseded", len(superseded))

	if o.cfg.AutoStart {
		r.mu.Lock()
		err := r.start(ctx)
		run = r.run
		r.mu.Unlock()
		if err != nil && !errors.Is(err, model.ErrConflict) {
			return model.Run{}, err
		}
	}
	return run, nil
}

// supersede halts a replaced run and records why.
func (o *Orchestrator) supersede(ctx context.Context, topicID, runID, by string) {
	o.metrics.RunFinished(ctx, string(model.RunStatusSuperseded))
	r := o.lookup(runID)
	if r == nil {
		o.appendDetached(ctx, model.Event{
			TopicID: topicID, RunID: runID, AgentID: model.AgentReview,
			Kind: model.KindEventEmitted, Severity: model.SeverityWarn, Summary: "run superseded",
			Payload: model.Details{"phase": "superseded", "supersededBy": by},
		})
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.Status = model.RunStatusSuperseded
	r.halt()
	_, _ = r.emit(ctx, r.currentAgent(), model.KindEventEmitted, model.SeverityWarn, "run superseded",
		model.Details{"phase": "superseded", "supersededBy": by}, nil)
	o.forget(runID)
	o.logger.Info("run superseded", "topic_id", topicID, "run_id", runID, "superseded_by", by)
}

// IssueCommand applies an operator command to a run of topicID. A request
// carrying only text is recorded as operator input.
func (o *Orchestrator) IssueCommand(ctx context.Context, topicID string, agentID model.AgentID, req model.CommandRequest) (model.CommandReceipt, error) {
	if err := req.Validate(); err != nil {
		return model.CommandReceipt{}, err
	}
	if !agentID.Valid() {
		return model.CommandReceipt{}, fmt.Errorf("%w: unknown agent %q", model.ErrValidation, agentID)
	}
	topic, err := o.store.GetTopic(ctx, topicID)
	if err != nil {
		return model.CommandReceipt{}, err
	}

	receipt := model.CommandReceipt{
		OK:        true,
		Accepted:  true,
		CommandID: model.NewID(),
		TopicID:   topicID,
		AgentID:   agentID,
		Command:   req.Command,
		QueuedAt:  model.NowMillis(),
	}

	runID := req.RunID
	if runID == "" {
		runID = latestRunID(topic)
	}

	if req.Command == "" {
		if runID == "" {
			runID = SessionRunID
		} else if _, err := o.runOf(ctx, topicID, runID); err != nil {
			return model.CommandReceipt{}, err
		}
		receipt.RunID = runID
		_, err := o.log.Append(ctx, model.Event{
			TopicID: topicID, RunID: runID, AgentID: agentID,
			Kind: model.KindEventEmitted, Severity: model.SeverityInfo,
			Summary: "user input: " + req.Text,
			Payload: model.Details{"phase": "user_input", "text": req.Text},
		})
		return receipt, err
	}

	if runID == "" {
		return model.CommandReceipt{}, fmt.Errorf("%w: topic %s has no runs", model.ErrNotFound, topicID)
	}
	run, err := o.runOf(ctx, topicID, runID)
	if err != nil {
		return model.CommandReceipt{}, err
	}
	receipt.RunID = run.ID

	r, err := o.runner(ctx, topic, run)
	if err != nil {
		return model.CommandReceipt{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch req.Command {
	case model.CommandStart:
		err = r.start(ctx)
	case model.CommandPause:
		err = r.pause(ctx, agentID)
	case model.CommandResume:
		err = r.resume(ctx, agentID)
	case model.CommandStop:
		reason := req.ArgString("reason")
		if reason == "" {
			reason = "stopped by operator"
		}
		err = r.stopRun(ctx, agentID, reason)
	case model.CommandRetry:
		err = r.retry(ctx, agentID)
	}
	if err != nil {
		return model.CommandReceipt{}, err
	}
	o.logger.Info("command applied", "topic_id", topicID, "run_id", run.ID, "agent_id", agentID, "command", req.Command)
	return receipt, nil
}

// PostMessage stores a user message for an agent and its acknowledgement,
// and appends a message_created event for each.
func (o *Orchestrator) PostMessage(ctx context.Context, topicID string, agentID model.AgentID, req model.CreateMessageRequest) ([]model.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !agentID.Valid() {
		return nil, fmt.Errorf("%w: unknown agent %q", model.ErrValidation, agentID)
	}
	topic, err := o.store.GetTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	runID := latestRunID(topic)

	now := model.NowMillis()
	user := model.Message{
		MessageID: model.NewID(), TopicID: topicID, RunID: runID, AgentID: agentID,
		Role: model.RoleUser, Content: req.Content, TS: now,
	}
	ack := model.Message{
		MessageID: model.NewID(), TopicID: topicID, RunID: runID, AgentID: agentID,
		Role: model.RoleAssistant, Content: "Echo: " + req.Content, TS: now,
	}

	eventRun := runID
	if eventRun == "" {
		eventRun = SessionRunID
	}
	out := []model.Message{user, ack}
	for _, m := range out {
		if err := o.store.CreateMessage(ctx, m); err != nil {
			return nil, fmt.Errorf("orchestrator: store message: %w", err)
		}
		if _, err := o.log.Append(ctx, model.Event{
			TopicID: topicID, RunID: eventRun, AgentID: agentID,
			Kind: model.KindMessageCreated, Severity: model.SeverityInfo,
			Summary: fmt.Sprintf("message created (%s)", m.Role),
			Payload: model.MessagePayload{Message: m},
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListMessages returns an agent's conversation in a topic, oldest first.
func (o *Orchestrator) ListMessages(ctx context.Context, topicID string, agentID model.AgentID, runID string, limit int) ([]model.Message, error) {
	if !agentID.Valid() {
		return nil, fmt.Errorf("%w: unknown agent %q", model.ErrValidation, agentID)
	}
	if _, err := o.store.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	return o.store.ListMessages(ctx, model.MessageFilter{TopicID: topicID, AgentID: agentID, RunID: runID, Limit: limit})
}

// Recover fails runs left queued or running by a previous process. Agents
// caught mid-stage are marked failed so the run can be retried.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	open, err := o.store.ListOpenRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: list open runs: %w", err)
	}
	n := 0
	for _, run := range open {
		if o.lookup(run.ID) != nil {
			continue
		}
		topic, err := o.store.GetTopic(ctx, run.TopicID)
		if err != nil {
			return n, err
		}
		r, err := o.load(ctx, topic, run)
		if err != nil {
			return n, err
		}
		r.mu.Lock()
		err = r.interrupt(ctx)
		r.mu.Unlock()
		if err != nil {
			if errors.Is(err, model.ErrConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		o.logger.Warn("recovered interrupted runs", "count", n)
	}
	return n, nil
}

// Close stops every live run loop and waits for them to exit. Runs left
// running are recovered by the next process.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: drain: %w", ctx.Err())
	}
}

// runOf loads runID and checks it belongs to topicID.
func (o *Orchestrator) runOf(ctx context.Context, topicID, runID string) (model.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if run.TopicID != topicID {
		return model.Run{}, fmt.Errorf("%w: run %s does not belong to topic %s", model.ErrNotFound, runID, topicID)
	}
	return run, nil
}

func (o *Orchestrator) register(topic model.Topic, run model.Run) *runner {
	r := newRunner(o, topic, run)
	o.mu.Lock()
	o.runs[run.ID] = r
	o.mu.Unlock()
	return r
}

func (o *Orchestrator) lookup(runID string) *runner {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[runID]
}

func (o *Orchestrator) forget(runID string) {
	o.mu.Lock()
	delete(o.runs, runID)
	o.mu.Unlock()
}

// runner returns the live runner of run, rebuilding it from the log when
// this process has none.
func (o *Orchestrator) runner(ctx context.Context, topic model.Topic, run model.Run) (*runner, error) {
	if r := o.lookup(run.ID); r != nil {
		return r, nil
	}
	r, err := o.load(ctx, topic, run)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() && run.Status != model.RunStatusFailed {
		return r, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.runs[run.ID]; ok {
		return existing, nil
	}
	o.runs[run.ID] = r
	return r, nil
}

// appendDetached appends an event outside any runner, logging failures.
func (o *Orchestrator) appendDetached(ctx context.Context, e model.Event) {
	if _, err := o.log.Append(ctx, e); err != nil {
		o.logger.Error("orchestrator: append event", "topic_id", e.TopicID, "run_id", e.RunID, "error", err)
	}
}

func latestRunID(t model.Topic) string {
	if t.ActiveRunID != nil {
		return *t.ActiveRunID
	}
	if t.LastRunID != nil {
		return *t.LastRunID
	}
	return ""
}
