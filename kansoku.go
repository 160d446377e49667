// Package kansoku is the public API for embedding the Kansoku run
// synchronization server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kansoku.New(
//	    kansoku.WithVersion(version),
//	    kansoku.WithLogger(logger),
//	    kansoku.WithEventHook(myHook{}),
//	    kansoku.WithStageExecutor(myExecutor{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports it.
// Public types are standalone structs; the conversions live in adapters.go.
package kansoku

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansoku/internal/artifacts"
	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/eventlog"
	"github.com/ashita-ai/kansoku/internal/mcp"
	"github.com/ashita-ai/kansoku/internal/orchestrator"
	"github.com/ashita-ai/kansoku/internal/server"
	"github.com/ashita-ai/kansoku/internal/service/stages"
	"github.com/ashita-ai/kansoku/internal/snapshot"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/storage/sqlite"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/migrations"
)

const (
	shutdownHTTPTimeout  = 10 * time.Second
	shutdownRunsTimeout  = 30 * time.Second
	shutdownHooksTimeout = 5 * time.Second
	hookTimeout          = 10 * time.Second
)

// App is the Kansoku server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        storage.Store
	log          *eventlog.Log
	orch         *orchestrator.Orchestrator
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Kansoku server. It opens storage, runs migrations,
// wires all subsystems, and returns a ready-to-run App.
// It does NOT accept HTTP connections or start pipelines; call Run().
// Registered event hooks start their delivery goroutines here.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.artifactsRoot != "" {
		cfg.ArtifactsRoot = o.artifactsRoot
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kansoku starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.Meter("kansoku"))
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}
	fail := func(err error) (*App, error) {
		store.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}

	fs, err := artifacts.New(cfg.ArtifactsRoot)
	if err != nil {
		return fail(fmt.Errorf("artifacts: %w", err))
	}

	log := eventlog.New(store, eventlog.NewHub(cfg.HubBuffer, logger, metrics), logger)
	for _, h := range o.eventHooks {
		log.Observe(hookObserver(h, logger))
	}

	orch := orchestrator.New(store, log, fs, newExecutor(cfg, o.executor, logger), orchestrator.Config{
		MaxFeedbackIterations: cfg.MaxFeedbackIterations,
		StageTimeout:          cfg.StageTimeout,
		AutoStart:             cfg.AutoStart,
	}, logger, metrics)
	snapshots := snapshot.New(store, log, logger)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL, logger)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	creds, err := auth.NewCredentials(cfg.DemoUser, cfg.DemoPassword)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	mcpSrv := mcp.New(store, orch, snapshots, logger, version)

	var routes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		routes = append(routes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Store:               store,
		Orchestrator:        orch,
		Snapshots:           snapshots,
		Log:                 log,
		Artifacts:           fs,
		JWTMgr:              jwtMgr,
		Credentials:         creds,
		Logger:              logger,
		Metrics:             metrics,
		MCPServer:           mcpSrv.MCPServer(),
		Middleware:          middlewares,
		Routes:              routes,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSOrigins:         cfg.CORSOrigins,
		RateLimit:           cfg.RateLimitEnabled,
		WSPingInterval:      cfg.WSPingInterval,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		log:          log,
		orch:         orch,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// openStore connects the backend DATABASE_URL selects. Postgres gets the
// embedded migrations; the SQLite store applies its own schema on open.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	backend, target, err := cfg.StorageTarget()
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if backend == "sqlite" {
		s, err := sqlite.Open(ctx, target, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("storage: sqlite", "path", target)
		return s, nil
	}

	db, err := storage.New(ctx, target, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	logger.Info("storage: postgres")
	return db, nil
}

// newExecutor picks the stage executor: an explicit override, then the chat
// API when a key is configured, then templates.
func newExecutor(cfg config.Config, override StageExecutor, logger *slog.Logger) stages.Executor {
	switch {
	case override != nil:
		logger.Info("stages: external executor", "provider", override.Name())
		return &executorAdapter{exec: override}
	case cfg.LLMAPIKey != "":
		logger.Info("stages: chat executor", "model", cfg.LLMModel, "base_url", cfg.LLMBaseURL)
		return stages.NewChatExecutor(stages.ChatConfig{
			Provider:     "deepseek",
			APIKey:       cfg.LLMAPIKey,
			BaseURL:      cfg.LLMBaseURL,
			Model:        cfg.LLMModel,
			Timeout:      cfg.LLMTimeout,
			MaxRetries:   cfg.LLMMaxRetries,
			RetryBackoff: cfg.LLMRetryBackoff,
		}, logger)
	default:
		logger.Info("stages: template executor (no DEEPSEEK_API_KEY)")
		return stages.NewTemplateExecutor()
	}
}

// Handler returns the root HTTP handler, for serving the App from a custom
// listener or from httptest.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run recovers runs left open by a previous process, then serves HTTP until
// ctx is cancelled or the server fails. On return, Shutdown has been called;
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.orch.Recover(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("recover runs: %w", err)
	} else if n > 0 {
		a.logger.Warn("marked interrupted runs as failed", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown stops accepting HTTP requests, drains in-flight ones, halts
// running pipelines so Recover can pick them up on the next start, and then
// closes storage and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kansoku shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	runsCtx, runsCancel := context.WithTimeout(ctx, shutdownRunsTimeout)
	err := a.orch.Close(runsCtx)
	runsCancel()
	if err != nil {
		a.logger.Error("pipelines did not stop in time", "error", err)
	}

	hooksCtx, hooksCancel := context.WithTimeout(ctx, shutdownHooksTimeout)
	if herr := a.log.Close(hooksCtx); herr != nil {
		a.logger.Warn("event hooks did not drain in time", "error", herr)
	}
	hooksCancel()

	_ = a.otelShutdown(context.Background())
	a.store.Close(context.Background())

	a.logger.Info("kansoku stopped")
	return err
}
