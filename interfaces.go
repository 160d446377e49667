package kansoku

import (
	"context"
	"net/http"
)

// EventHook receives every event appended to any topic's log, after it is
// durable. Each hook has its own goroutine and sees a topic's events in
// append order, with a bounded context per call; a slow hook delays only its
// own queue. Failures are logged and never affect the run.
type EventHook interface {
	OnEvent(ctx context.Context, e Event) error
}

// StageExecutor produces the artifacts of one pipeline step. When provided via
// WithStageExecutor it replaces the configured LLM or template executor.
// A returned error fails the run at that step; the run can then be retried.
type StageExecutor interface {
	// Name identifies the provider in llm events (e.g. "deepseek", "template").
	Name() string
	Execute(ctx context.Context, req StageRequest) (StageOutput, error)
}

// RouteRegistrar registers additional routes on the shared HTTP mux. Extra
// routes share the mux, auth chain, and OTEL instrumentation with built-in
// routes, so every request carries a validated bearer token.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the HTTP handler chain inside authentication.
type Middleware func(http.Handler) http.Handler
