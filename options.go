package kansoku

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	artifactsRoot   string
	logger          *slog.Logger
	version         string
	executor        StageExecutor
	eventHooks      []EventHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithPort overrides the TCP port from config (KANSOKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the storage location from config (DATABASE_URL
// env var). postgres:// URLs select Postgres; sqlite:<path> selects the
// embedded store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithArtifactsRoot overrides the directory artifact files are written under.
func WithArtifactsRoot(dir string) Option {
	return func(o *resolvedOptions) { o.artifactsRoot = dir }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStageExecutor replaces the configured stage executor. Only the last
// call wins.
func WithStageExecutor(e StageExecutor) Option {
	return func(o *resolvedOptions) { o.executor = e }
}

// WithEventHook registers a hook that receives every appended event.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an HTTP middleware. Applied in registration order:
// the first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
