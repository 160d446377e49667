package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/projection"
	"github.com/ashita-ai/kansoku/internal/service/stages"
)

// historyLimit is how many recent messages of an agent feed its prompt.
const historyLimit = 40

// PanicError is a recovered executor panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("executor panicked: %v", e.Value) }

// runner is the state of one run. mu serializes the stage loop's
// transitions against operator commands; the executor itself runs without
// holding it.
type runner struct {
	o *Orchestrator

	mu       sync.Mutex
	topic    model.Topic
	run      model.Run
	lang     stages.Language
	schedule []stages.Step
	next     int
	failed   int
	state    *projection.State
	docs     []stages.Document
	plan     stages.Plan
	traceID  string

	paused   bool
	resumeCh chan struct{}
	halted   bool
	looping  bool
	retrying bool
	cancel   context.CancelFunc
}

func newRunner(o *Orchestrator, topic model.Topic, run model.Run) *runner {
	return &runner{
		o:        o,
		topic:    topic,
		run:      run,
		lang:     stages.TopicLanguage(topic),
		schedule: stages.Schedule(o.cfg.MaxFeedbackIterations),
		failed:   -1,
		state:    projection.NewState(run.ID),
		traceID:  "trace-" + model.NewID(),
		halted:   run.Status.Terminal(),
	}
}

// load rebuilds a runner from the run's events and stored artifacts.
func (o *Orchestrator) load(ctx context.Context, topic model.Topic, run model.Run) (*runner, error) {
	r := newRunner(o, topic, run)
	events, err := o.store.ListEvents(ctx, model.EventFilter{TopicID: topic.ID, RunID: run.ID})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load run %s: %w", run.ID, err)
	}
	r.state.ApplyAll(events)

	for _, e := range events {
		if e.Kind != model.KindArtifactCreated {
			continue
		}
		p, _ := e.Payload.(model.ArtifactPayload)
		agent := p.Stage
		if !agent.Valid() {
			agent = e.AgentID
		}
		step := stages.Step{Agent: agent, Iteration: p.Iteration, Feedback: agent == model.AgentIdeation && p.Iteration > 0}
		for _, a := range e.Artifacts {
			rec, err := o.store.GetArtifact(ctx, topic.ID, a.ArtifactID)
			if err != nil {
				o.logger.Warn("orchestrator: artifact missing on reload", "run_id", run.ID, "artifact_id", a.ArtifactID, "error", err)
				continue
			}
			content, err := o.artifacts.ReadAll(rec)
			if err != nil {
				o.logger.Warn("orchestrator: artifact unreadable on reload", "run_id", run.ID, "artifact_id", a.ArtifactID, "error", err)
				continue
			}
			r.docs = append(r.docs, stages.Document{
				Agent: agent, Step: step.String(), Name: rec.Name, ContentType: rec.ContentType, Content: string(content),
			})
		}
	}

	if run.Stage != "" {
		if idx := stages.IndexOf(r.schedule, run.Stage, run.Iteration); idx >= 0 {
			r.next = idx
			if run.Status == model.RunStatusFailed {
				r.failed = idx
			}
		}
	}
	return r, nil
}

// start moves a queued run to running and launches its loop.
func (r *runner) start(ctx context.Context) error {
	switch r.run.Status {
	case model.RunStatusQueued:
	case model.RunStatusRunning:
		if r.looping {
			return nil
		}
		return fmt.Errorf("%w: run %s is running without a live loop", model.ErrConflict, r.run.ID)
	default:
		return fmt.Errorf("%w: run %s is %s", model.ErrConflict, r.run.ID, r.run.Status)
	}
	now := model.NowMillis()
	if err := r.update(ctx, model.RunUpdate{
		From:      []model.RunStatus{model.RunStatusQueued},
		Status:    model.RunStatusRunning,
		StartedAt: &now,
	}); err != nil {
		return err
	}
	r.launch(true)
	return nil
}

func (r *runner) launch(first bool) {
	ctx, cancel := context.WithCancel(r.o.baseCtx)
	r.cancel = cancel
	r.looping = true
	r.halted = false
	r.o.wg.Add(1)
	go r.loop(ctx, first)
}

// halt prevents any further stage events and cancels an in-flight step.
func (r *runner) halt() {
	r.halted = true
	r.paused = false
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *runner) pause(ctx context.Context, agent model.AgentID) error {
	if r.run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", model.ErrConflict, r.run.ID, r.run.Status)
	}
	if r.paused {
		return nil
	}
	r.paused = true
	r.resumeCh = make(chan struct{})
	_, err := r.emit(ctx, agent, model.KindEventEmitted, model.SeverityInfo, "run paused", model.Details{"phase": "paused"}, nil)
	return err
}

func (r *runner) resume(ctx context.Context, agent model.AgentID) error {
	if r.run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", model.ErrConflict, r.run.ID, r.run.Status)
	}
	if !r.paused {
		return nil
	}
	r.paused = false
	close(r.resumeCh)
	_, err := r.emit(ctx, agent, model.KindEventEmitted, model.SeverityInfo, "run resumed", model.Details{"phase": "resumed"}, nil)
	return err
}

// stopRun ends the run. The closing event is the last one of the run.
func (r *runner) stopRun(ctx context.Context, agent model.AgentID, reason string) error {
	if r.run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", model.ErrConflict, r.run.ID, r.run.Status)
	}
	now := model.NowMillis()
	if err := r.update(ctx, model.RunUpdate{
		From:    model.NonTerminalRunStatuses,
		Status:  model.RunStatusStopped,
		EndedAt: &now,
	}); err != nil {
		return err
	}
	r.halt()
	r.failRunningAgents(ctx, "stopped")
	r.o.metrics.RunFinished(ctx, string(model.RunStatusStopped))
	r.o.forget(r.run.ID)
	_, err := r.emit(ctx, agent, model.KindEventEmitted, model.SeverityWarn, "run stopped",
		model.Details{"phase": "stopped", "reason": reason}, nil)
	return err
}

// retry re-enters the failed stage of agent and continues the pipeline
// from there.
func (r *runner) retry(ctx context.Context, agent model.AgentID) error {
	if r.run.Status != model.RunStatusFailed {
		return fmt.Errorf("%w: run %s is %s, retry requires a failed run", model.ErrConflict, r.run.ID, r.run.Status)
	}
	if err := model.ValidateRunTransition(r.run.Status, model.RunStatusRunning, true); err != nil {
		return err
	}
	if st := r.state.Agent(agent).Status; st != model.AgentStatusFailed {
		return fmt.Errorf("%w: agent %s is %s, retry requires a failed agent", model.ErrConflict, agent, st)
	}
	if r.failed < 0 || r.schedule[r.failed].Agent != agent {
		return fmt.Errorf("%w: agent %s has no failed stage in run %s", model.ErrConflict, agent, r.run.ID)
	}
	topic, err := r.o.store.GetTopic(ctx, r.run.TopicID)
	if err != nil {
		return err
	}
	if topic.LastRunID == nil || *topic.LastRunID != r.run.ID {
		return fmt.Errorf("%w: run %s has been replaced by a newer run", model.ErrConflict, r.run.ID)
	}
	r.topic = topic

	noError := ""
	if err := r.update(ctx, model.RunUpdate{
		From:   []model.RunStatus{model.RunStatusFailed},
		Status: model.RunStatusRunning,
		Error:  &noError,
	}); err != nil {
		return err
	}
	step := r.schedule[r.failed]
	r.next = r.failed
	r.failed = -1
	r.retrying = true
	if _, err := r.emit(ctx, agent, model.KindEventEmitted, model.SeverityInfo, "retry requested",
		model.Details{"phase": "retry", "stage": step.Kind(), "iteration": step.Iteration}, nil); err != nil {
		return err
	}
	r.launch(false)
	return nil
}

// interrupt fails a run that a previous process left open.
func (r *runner) interrupt(ctx context.Context) error {
	msg := "interrupted"
	now := model.NowMillis()
	if err := r.update(ctx, model.RunUpdate{
		From:    model.NonTerminalRunStatuses,
		Status:  model.RunStatusFailed,
		Error:   &msg,
		EndedAt: &now,
	}); err != nil {
		return err
	}
	r.halted = true
	if r.run.Stage != "" {
		r.failed = stages.IndexOf(r.schedule, r.run.Stage, r.run.Iteration)
	}

	r.failRunningAgents(ctx, "interrupted")
	r.o.metrics.RunFinished(ctx, string(model.RunStatusFailed))
	_, err := r.emit(ctx, r.currentAgent(), model.KindEventEmitted, model.SeverityError, "run interrupted",
		model.Details{"phase": "interrupted", "error": "process restarted while the run was active"}, nil)
	return err
}

// failRunningAgents marks every running agent of the run failed, together
// with its running subtasks, so no projection keeps a terminal run spinning.
func (r *runner) failRunningAgents(ctx context.Context, why string) {
	for _, a := range r.state.Agents() {
		if a.Status != model.AgentStatusRunning {
			continue
		}
		step := stages.Step{Agent: a.AgentID}
		if a.AgentID == r.run.Stage {
			step.Iteration = r.run.Iteration
			step.Feedback = a.AgentID == model.AgentIdeation && r.run.Iteration > 0
		}
		plan := stages.Plan{Stage: step.Kind(), Subtasks: r.state.Subtasks(a.AgentID)}
		if plan.HasRunning() {
			r.plan = plan.FailRunning()
			_, _ = r.emitSubtasks(ctx, step, model.SeverityError, fmt.Sprintf("%s subtasks failed: run %s", step.Kind(), why))
		}
		_, _ = r.emitStatus(ctx, step, model.AgentStatusFailed, a.Progress, fmt.Sprintf("%s %s", a.AgentID, why))
	}
}

func (r *runner) loop(ctx context.Context, first bool) {
	defer r.o.wg.Done()
	defer r.exit()
	defer func() {
		if p := recover(); p != nil {
			r.crash(ctx, &PanicError{Value: p, Stack: debug.Stack()})
		}
	}()

	if first && !r.announce(ctx) {
		return
	}
	for {
		step, req, wait, ok := r.prepare(ctx)
		if !ok {
			return
		}
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return
			}
		}
		start := time.Now()
		out, err := r.execute(ctx, req)
		if !r.settle(ctx, step, out, err, time.Since(start)) {
			return
		}
	}
}

func (r *runner) exit() {
	r.mu.Lock()
	r.looping = false
	r.mu.Unlock()
}

func (r *runner) announce(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted {
		return false
	}
	if _, err := r.emit(ctx, model.AgentReview, model.KindEventEmitted, model.SeverityInfo, "run started",
		model.Details{"phase": "run_started", "topicTitle": r.topic.Title}, nil); err != nil {
		if ctx.Err() == nil {
			r.fail(ctx, r.schedule[r.next], err)
		}
		return false
	}
	r.o.logger.Info("run started", "topic_id", r.topic.ID, "run_id", r.run.ID)
	return true
}

// prepare opens the next step. It returns a channel to wait on while the
// run is paused, and ok=false when the loop must end.
func (r *runner) prepare(ctx context.Context) (stages.Step, stages.Request, <-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted || ctx.Err() != nil {
		return stages.Step{}, stages.Request{}, nil, false
	}
	if r.paused {
		return stages.Step{}, stages.Request{}, r.resumeCh, true
	}
	if r.next >= len(r.schedule) {
		r.finish(ctx)
		return stages.Step{}, stages.Request{}, nil, false
	}

	step := r.schedule[r.next]
	if err := r.begin(ctx, step); err != nil {
		if ctx.Err() == nil {
			r.fail(ctx, step, err)
		}
		return stages.Step{}, stages.Request{}, nil, false
	}
	req := stages.Request{
		Topic:    r.topic,
		RunID:    r.run.ID,
		Step:     step,
		Upstream: append([]stages.Document(nil), r.docs...),
		History:  r.history(ctx, step.Agent),
		Report:   r.reporter(ctx, step),
	}
	return step, req, nil, true
}

func (r *runner) execute(ctx context.Context, req stages.Request) (out stages.Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	if r.o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.o.cfg.StageTimeout)
		defer cancel()
	}
	return r.o.exec.Execute(ctx, req)
}

// settle records the executor result. It returns false when the loop must
// end.
func (r *runner) settle(ctx context.Context, step stages.Step, out stages.Output, err error, elapsed time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted || ctx.Err() != nil {
		return false
	}
	ms := float64(elapsed.Microseconds()) / 1000
	if err == nil {
		err = r.deliver(ctx, step, out)
	}
	if err != nil {
		r.o.metrics.StageFinished(ctx, step.Kind(), ms, false)
		if ctx.Err() == nil {
			r.fail(ctx, step, err)
		}
		return false
	}
	r.o.metrics.StageFinished(ctx, step.Kind(), ms, true)
	r.o.logger.Info("stage completed", "topic_id", r.topic.ID, "run_id", r.run.ID,
		"agent_id", step.Agent, "stage", step.String(), "duration_ms", ms)
	r.next++
	return true
}

// begin emits the opening events of step.
func (r *runner) begin(ctx context.Context, step stages.Step) error {
	cause := model.CauseAdvance
	switch {
	case r.retrying:
		cause = model.CauseRetry
	case step.Feedback || step.Iteration > 0:
		cause = model.CauseFeedback
	}
	if err := model.ValidateAgentTransition(r.state.Agent(step.Agent).Status, model.AgentStatusRunning, cause); err != nil {
		return err
	}
	r.retrying = false

	agent, iteration := step.Agent, step.Iteration
	if err := r.update(ctx, model.RunUpdate{
		From:      []model.RunStatus{model.RunStatusRunning},
		Status:    model.RunStatusRunning,
		Stage:     &agent,
		Iteration: &iteration,
	}); err != nil {
		return err
	}

	r.plan = stages.NewPlan(step, r.lang)
	if _, err := r.emitSubtasks(ctx, step, model.SeverityInfo, string(step.Agent)+" subtasks planned"); err != nil {
		return err
	}
	r.plan = r.plan.Start(0, 0.1)
	if _, err := r.emitSubtasks(ctx, step, model.SeverityInfo, string(step.Agent)+" subtask started"); err != nil {
		return err
	}
	if _, err := r.emitStatus(ctx, step, model.AgentStatusRunning, 0.1, runningSummary(step)); err != nil {
		return err
	}
	if _, err := r.emit(ctx, step.Agent, model.KindEventEmitted, model.SeverityInfo, startingSummary(step),
		model.Details{"stage": step.Kind(), "iteration": step.Iteration}, nil); err != nil {
		return err
	}
	r.plan = r.plan.Advance(0, 0.3)
	_, err := r.emitSubtasks(ctx, step, model.SeverityInfo, "")
	return err
}

// deliver stores the step's files and emits its closing events.
func (r *runner) deliver(ctx context.Context, step stages.Step, out stages.Output) error {
	r.plan = r.plan.Advance(1, 0.6)
	if _, err := r.emitSubtasks(ctx, step, model.SeverityInfo, ""); err != nil {
		return err
	}

	for _, f := range out.Files {
		name := versionedName(f.Name, step.Iteration)
		rec, err := r.o.artifacts.Write(ctx, r.topic.ID, r.run.ID, name, f.ContentType, f.Content)
		if err != nil {
			return err
		}
		if err := r.o.store.SaveArtifact(ctx, rec); err != nil {
			return fmt.Errorf("orchestrator: save artifact: %w", err)
		}
		payload := model.ArtifactPayload{Stage: step.Agent, Iteration: step.Iteration, HandoffTo: f.HandoffTo, ArtifactRole: f.Role}
		if _, err := r.emit(ctx, step.Agent, model.KindArtifactCreated, model.SeverityInfo,
			fmt.Sprintf("%s produced %s", step.Agent, rec.Name), payload, []model.Artifact{rec.Artifact}); err != nil {
			return err
		}
		r.docs = append(r.docs, stages.Document{
			Agent: step.Agent, Step: step.String(), Name: rec.Name, ContentType: rec.ContentType, Content: string(f.Content),
		})
	}

	r.plan = r.plan.CompleteAll()
	if _, err := r.emitSubtasks(ctx, step, model.SeverityInfo, string(step.Agent)+" subtasks completed"); err != nil {
		return err
	}
	_, err := r.emitStatus(ctx, step, model.AgentStatusCompleted, 1, completedSummary(step))
	return err
}

// finish completes the run after its last step.
func (r *runner) finish(ctx context.Context) {
	now := model.NowMillis()
	if err := r.update(ctx, model.RunUpdate{
		From:    []model.RunStatus{model.RunStatusRunning},
		Status:  model.RunStatusCompleted,
		EndedAt: &now,
	}); err != nil {
		r.o.logger.Error("orchestrator: complete run", "run_id", r.run.ID, "error", err)
		return
	}
	r.halted = true
	r.o.metrics.RunFinished(ctx, string(model.RunStatusCompleted))
	r.o.forget(r.run.ID)
	_, _ = r.emit(ctx, r.currentAgent(), model.KindEventEmitted, model.SeverityInfo, "run completed",
		model.Details{"phase": "completed"}, nil)
	r.o.logger.Info("run completed", "topic_id", r.topic.ID, "run_id", r.run.ID)
}

// fail records a stage failure as events and marks the run failed. Event
// append errors are logged; the run status is still updated.
func (r *runner) fail(ctx context.Context, step stages.Step, cause error) {
	msg := cause.Error()
	now := model.NowMillis()
	if err := r.update(ctx, model.RunUpdate{
		From:    model.NonTerminalRunStatuses,
		Status:  model.RunStatusFailed,
		Error:   &msg,
		EndedAt: &now,
	}); err != nil {
		r.o.logger.Error("orchestrator: fail run", "run_id", r.run.ID, "cause", cause, "error", err)
		return
	}
	r.halted = true
	r.failed = r.next
	r.o.metrics.RunFinished(ctx, string(model.RunStatusFailed))
	r.o.forget(r.run.ID)

	if r.plan.HasRunning() {
		r.plan = r.plan.FailRunning()
		_, _ = r.emitSubtasks(ctx, step, model.SeverityError, step.Kind()+" subtasks failed")
	}
	if r.state.Agent(step.Agent).Status == model.AgentStatusRunning {
		_, _ = r.emitStatus(ctx, step, model.AgentStatusFailed, r.state.Agent(step.Agent).Progress, string(step.Agent)+" failed")
	}

	summary := fmt.Sprintf("%s failed: %s", step.Kind(), msg)
	details := model.Details{"phase": "stage_failed", "stage": step.Kind(), "error": msg, "errorType": fmt.Sprintf("%T", cause)}
	var pe *PanicError
	if errors.As(cause, &pe) {
		summary = "pipeline crashed"
		details["phase"] = "crashed"
		details["errorType"] = "panic"
		r.o.logger.Error("orchestrator: executor panicked", "run_id", r.run.ID, "stage", step.String(),
			"panic", pe.Value, "stack", string(pe.Stack))
	} else {
		r.o.logger.Warn("stage failed", "topic_id", r.topic.ID, "run_id", r.run.ID, "stage", step.String(), "error", cause)
	}
	_, _ = r.emit(ctx, step.Agent, model.KindEventEmitted, model.SeverityError, summary, details, nil)
}

// crash handles a panic raised by the loop itself.
func (r *runner) crash(ctx context.Context, pe *PanicError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted || ctx.Err() != nil {
		r.o.logger.Error("orchestrator: run loop panicked", "run_id", r.run.ID, "panic", pe.Value)
		return
	}
	step := r.schedule[min(r.next, len(r.schedule)-1)]
	r.fail(ctx, step, pe)
}

// reporter turns executor call reports into llm timeline events.
func (r *runner) reporter(ctx context.Context, step stages.Step) func(stages.CallReport) {
	return func(c stages.CallReport) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.halted {
			return
		}
		details := model.Details{"phase": "llm", "provider": c.Provider}
		severity := model.SeverityInfo
		var summary string
		switch c.Phase {
		case stages.CallRequest:
			summary = fmt.Sprintf("%s invoking %s", step.Agent, c.Provider)
			details["messageCount"] = c.MessageCount
			if c.MaxTokens > 0 {
				details["maxTokens"] = c.MaxTokens
			}
		case stages.CallResponse:
			summary = fmt.Sprintf("%s received %s response", step.Agent, c.Provider)
			details["fallback"] = false
		case stages.CallFallback:
			severity = model.SeverityWarn
			summary = fmt.Sprintf("%s call did not complete, fallback content used", c.Provider)
			details["fallback"] = true
			if c.Err != nil {
				details["error"] = c.Err.Error()
			}
		default:
			return
		}
		_, _ = r.emit(ctx, step.Agent, model.KindEventEmitted, severity, summary, details, nil)
	}
}

func (r *runner) history(ctx context.Context, agent model.AgentID) []model.Message {
	msgs, err := r.o.store.ListMessages(ctx, model.MessageFilter{TopicID: r.topic.ID, AgentID: agent, Limit: historyLimit})
	if err != nil {
		r.o.logger.Warn("orchestrator: load history", "run_id", r.run.ID, "agent_id", agent, "error", err)
		return nil
	}
	return msgs
}

func (r *runner) update(ctx context.Context, upd model.RunUpdate) error {
	run, err := r.o.store.UpdateRun(ctx, r.run.ID, upd)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			if cur, gerr := r.o.store.GetRun(ctx, r.run.ID); gerr == nil {
				r.run = cur
			}
			if r.run.Status.Terminal() {
				r.halted = true
			}
		}
		return err
	}
	r.run = run
	return nil
}

func (r *runner) emit(ctx context.Context, agent model.AgentID, kind model.EventKind, sev model.Severity, summary string, payload model.Payload, arts []model.Artifact) (model.Event, error) {
	e, err := r.o.log.Append(ctx, model.Event{
		TopicID:   r.topic.ID,
		RunID:     r.run.ID,
		AgentID:   agent,
		Kind:      kind,
		Severity:  sev,
		Summary:   summary,
		Payload:   payload,
		Artifacts: arts,
		TraceID:   r.traceID,
	})
	if err != nil {
		r.o.logger.Error("orchestrator: append event", "topic_id", r.topic.ID, "run_id", r.run.ID,
			"kind", kind, "error", err)
		return model.Event{}, err
	}
	r.state.Apply(e)
	return e, nil
}

func (r *runner) emitStatus(ctx context.Context, step stages.Step, status model.AgentStatus, progress float64, summary string) (model.Event, error) {
	sev := model.SeverityInfo
	if status == model.AgentStatusFailed {
		sev = model.SeverityError
	}
	return r.emit(ctx, step.Agent, model.KindAgentStatusUpdated, sev, summary, model.StatusPayload{
		Status: status, Progress: model.ClampProgress(progress), Stage: step.Agent, Iteration: step.Iteration,
	}, nil)
}

func (r *runner) emitSubtasks(ctx context.Context, step stages.Step, sev model.Severity, summary string) (model.Event, error) {
	if summary == "" {
		summary = fmt.Sprintf("%s subtasks updated (%s)", step.Agent, step.Kind())
	}
	return r.emit(ctx, step.Agent, model.KindAgentSubtasksUpdated, sev, summary,
		model.NewSubtasksPayload(model.AgentID(r.plan.Stage), r.plan.Subtasks), nil)
}

func (r *runner) currentAgent() model.AgentID {
	if r.next < len(r.schedule) {
		return r.schedule[r.next].Agent
	}
	return r.schedule[len(r.schedule)-1].Agent
}

func runningSummary(step stages.Step) string {
	if step.Feedback {
		return "ideation refining from experiment feedback"
	}
	return string(step.Agent) + " running"
}

func startingSummary(step stages.Step) string {
	switch step.Kind() {
	case stages.KindReview:
		return "starting literature review"
	case stages.KindIdeation:
		return "generating ideas from survey"
	case stages.KindExperiment:
		return "running experiments for idea"
	default:
		return "refining idea from results"
	}
}

func completedSummary(step stages.Step) string {
	if step.Feedback {
		return "ideation feedback loop completed"
	}
	return string(step.Agent) + " completed"
}

// versionedName keeps artifacts of later iterations from overwriting the
// first pass: results.json becomes results-2.json in iteration 2.
func versionedName(name string, iteration int) string {
	if iteration == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), iteration, ext)
}
