// Package stages defines the stage executor contract used by the
// orchestrator, the fixed pipeline schedule with its feedback edge, and two
// executors: an OpenAI-compatible chat executor and a deterministic template
// executor used when no language model is configured.
package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Stage kinds. Feedback is ideation re-entered from experiment results.
const (
	KindReview     = "review"
	KindIdeation   = "ideation"
	KindExperiment = "experiment"
	KindFeedback   = "feedback"
)

// Step is one entry of a run's schedule.
type Step struct {
	Agent     model.AgentID
	Iteration int
	Feedback  bool
}

// Kind names the work the step performs.
func (s Step) Kind() string {
	if s.Feedback {
		return KindFeedback
	}
	return string(s.Agent)
}

func (s Step) String() string {
	if s.Iteration == 0 {
		return s.Kind()
	}
	return fmt.Sprintf("%s#%d", s.Kind(), s.Iteration)
}

// Schedule returns the step sequence for a run with at most maxFeedback
// passes through the experiment→ideation edge: review, ideation,
// experiment, then ideation(feedback i) for i=1..maxFeedback, with
// experiment(i) between consecutive feedback rounds.
func Schedule(maxFeedback int) []Step {
	steps := []Step{
		{Agent: model.AgentReview},
		{Agent: model.AgentIdeation},
		{Agent: model.AgentExperiment},
	}
	for i := 1; i <= maxFeedback; i++ {
		steps = append(steps, Step{Agent: model.AgentIdeation, Iteration: i, Feedback: true})
		if i < maxFeedback {
			steps = append(steps, Step{Agent: model.AgentExperiment, Iteration: i})
		}
	}
	return steps
}

// IndexOf returns the position of the step matching agent and iteration in
// schedule, or -1.
func IndexOf(schedule []Step, agent model.AgentID, iteration int) int {
	for i, s := range schedule {
		if s.Agent == agent && s.Iteration == iteration {
			return i
		}
	}
	return -1
}

// Document is a prior step output passed downstream as context.
type Document struct {
	Agent       model.AgentID
	Step        string
	Name        string
	ContentType string
	Content     string
}

// Request is everything an executor sees for one step.
type Request struct {
	Topic    model.Topic
	RunID    string
	Step     Step
	Upstream []Document
	// History is the agent's conversation, oldest first.
	History []model.Message
	// Report receives one CallReport per model invocation. May be nil.
	Report func(CallReport)
}

func (r Request) report(c CallReport) {
	if r.Report != nil {
		r.Report(c)
	}
}

// File is one artifact produced by a step.
type File struct {
	Name        string
	ContentType string
	Role        string
	HandoffTo   model.AgentID
	Content     []byte
}

// Output is the result of a successful step.
type Output struct {
	Files   []File
	Summary string
	// Metrics carries experiment metrics, if any.
	Metrics map[string]any
}

// CallPhase is the lifecycle point of a model invocation.
type CallPhase string

const (
	CallRequest  CallPhase = "request"
	CallResponse CallPhase = "response"
	CallFallback CallPhase = "fallback"
)

// CallReport describes one model invocation for the run's timeline.
type CallReport struct {
	Provider     string
	Phase        CallPhase
	MessageCount int
	MaxTokens    int
	Err          error
}

// Executor produces the artifacts of one step. Errors are stage failures;
// the orchestrator records them and never retries on its own.
type Executor interface {
	Execute(ctx context.Context, req Request) (Output, error)
	Provider() string
}

// ErrNoProvider is reported when content is produced without a model.
var ErrNoProvider = errors.New("no language model configured, template content used")
