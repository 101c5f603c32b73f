// -----------------------------------------------------------------------
// Application wiring - config, storage, services, handlers. Construction
// order matters: storage before services, services before handlers.
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/analytics"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/engine"
	"github.com/ternarybob/cursus/internal/events"
	"github.com/ternarybob/cursus/internal/generation"
	"github.com/ternarybob/cursus/internal/handlers"
	"github.com/ternarybob/cursus/internal/health"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/orchestrator"
	"github.com/ternarybob/cursus/internal/ratelimit"
	"github.com/ternarybob/cursus/internal/recovery"
	"github.com/ternarybob/cursus/internal/scheduler"
	storage "github.com/ternarybob/cursus/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	EventService   interfaces.EventService

	Generator       interfaces.ContentGenerator
	Executor        interfaces.TaskExecutor
	RecoveryManager *recovery.Manager
	RateLimiter     interfaces.RateLimiter
	Scheduler       *scheduler.Scheduler

	HealthAggregator *health.Aggregator
	HealthMonitor    *health.Monitor
	Analytics        *analytics.Service
	Orchestrator     *orchestrator.Service

	// HTTP handlers
	JobHandler    *handlers.JobHandler
	TaskHandler   *handlers.TaskHandler
	StatusHandler *handlers.StatusHandler
	WSHandler     *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	storageManager, err := storage.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.StorageManager = storageManager

	app.EventService = events.NewService(logger)

	generator, err := generation.NewGenerator(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator: %w", err)
	}
	app.Generator = generator
	logger.Info().Str("provider", generator.Name()).Msg("Content generator initialized")

	templates, err := generation.NewTemplateStore(cfg.Engine.TemplatesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}

	app.Executor = engine.NewExecutor(
		generator,
		templates,
		storageManager.OutputStorage(),
		storageManager.LogStorage(),
		&cfg.Engine,
		logger,
	)
	app.RecoveryManager = recovery.NewManager(storageManager, app.EventService, &cfg.Retry, logger)
	app.RateLimiter = ratelimit.NewLimiter(storageManager.RateLimitStorage(), &cfg.RateLimit, logger)
	app.Scheduler = scheduler.NewScheduler(
		storageManager,
		app.Executor,
		app.RecoveryManager,
		app.RateLimiter,
		app.EventService,
		logger,
	)

	app.HealthAggregator = health.NewAggregator(storageManager, &cfg.Health, logger)
	app.HealthMonitor = health.NewMonitor(
		storageManager,
		app.HealthAggregator,
		app.Scheduler,
		app.EventService,
		&cfg.Health,
		logger,
	)
	app.Analytics = analytics.NewService(storageManager, &cfg.Analytics, logger)

	app.Orchestrator = orchestrator.NewService(
		storageManager,
		app.Scheduler,
		app.RateLimiter,
		app.RecoveryManager,
		app.Analytics,
		app.HealthAggregator,
		app.EventService,
		logger,
	)

	app.JobHandler = handlers.NewJobHandler(app.Orchestrator, logger)
	app.TaskHandler = handlers.NewTaskHandler(app.Orchestrator, logger)
	app.StatusHandler = handlers.NewStatusHandler(logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, logger)

	return app, nil
}

// Start recovers state left by an unclean shutdown and begins the
// periodic health sweep
func (a *App) Start(ctx context.Context) error {
	if err := a.Orchestrator.RecoverStartupState(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if err := a.HealthMonitor.Start(); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	return nil
}

// Close shuts down the application in reverse dependency order. Dispatch
// stops before storage closes so in-flight results still persist.
func (a *App) Close() {
	a.HealthMonitor.Stop()
	a.Scheduler.Stop()

	if err := a.EventService.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Event service close failed")
	}
	if err := a.StorageManager.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage close failed")
	}
	a.Logger.Info().Msg("Application stopped")
}
