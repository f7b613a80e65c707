package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/analysis"
	"github.com/ternarybob/phishwatch/internal/classifier"
	"github.com/ternarybob/phishwatch/internal/common"
	"github.com/ternarybob/phishwatch/internal/handlers"
	"github.com/ternarybob/phishwatch/internal/handshake"
	"github.com/ternarybob/phishwatch/internal/interfaces"
	"github.com/ternarybob/phishwatch/internal/queue"
	"github.com/ternarybob/phishwatch/internal/reporting"
	"github.com/ternarybob/phishwatch/internal/results"
	"github.com/ternarybob/phishwatch/internal/services/analyzer"
	"github.com/ternarybob/phishwatch/internal/services/events"
	"github.com/ternarybob/phishwatch/internal/services/features"
	"github.com/ternarybob/phishwatch/internal/services/renderer"
	"github.com/ternarybob/phishwatch/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	DB        *badger.BadgerDB
	KVStorage interfaces.KeyValueStorage

	// Event-driven services
	EventService interfaces.EventService

	// Pipeline components
	Signals     *handshake.Signals
	Renderer    interfaces.Renderer
	Classifier  *classifier.Channel
	Coordinator *analysis.Coordinator
	Batcher     *reporting.Batcher
	Analyzer    *analyzer.Service

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	AnalyzerHandler *handlers.AnalyzerHandler

	chrome *renderer.ChromeRenderer
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if cfg.Scheduler.StartEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), common.ParseDurationOr(cfg.Classifier.ReadyTimeout, 10*time.Second))
		defer cancel()
		if err := app.Analyzer.Enable(ctx); err != nil {
			// Startup continues; the analyzer can be enabled over HTTP later
			app.Logger.Warn().Err(err).Msg("Analyzer could not be enabled at startup")
		}
	}

	app.Logger.Info().
		Bool("analyzer_enabled", app.Analyzer.Enabled()).
		Bool("renderer_chrome", app.chrome != nil).
		Bool("reporting_enabled", app.Batcher != nil).
		Int("concurrency", cfg.Scheduler.Concurrency).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initDatabase() error {
	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}

	a.DB = db
	a.KVStorage = badger.NewKVStorage(db, a.Logger)
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

func (a *App) initServices() error {
	cfg := a.Config

	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return err
	}

	// Renderer and handshake
	a.Signals = handshake.NewSignals()
	rendererConfig := renderer.Config{
		Headless:       cfg.Renderer.Headless,
		NoSandbox:      cfg.Renderer.NoSandbox,
		UserAgent:      cfg.Renderer.UserAgent,
		RequestTimeout: common.ParseDurationOr(cfg.Renderer.RequestTimeout, 15*time.Second),
	}
	if cfg.Renderer.Enabled {
		a.chrome = renderer.NewChromeRenderer(rendererConfig, a.Signals, a.Logger)
		a.Renderer = a.chrome
	} else {
		a.Renderer = renderer.NewFetchRenderer(rendererConfig, a.Signals, a.Logger)
		a.Logger.Info().Msg("Browser renderer disabled, using HTTP fetch renderer")
	}
	if _, err := renderer.CloseOnTeardown(a.EventService, a.Renderer, a.Logger); err != nil {
		return err
	}
	protocol := handshake.NewProtocol(a.Renderer, a.Signals,
		common.ParseDurationOr(cfg.Handshake.Timeout, 3*time.Second), a.Logger)

	// Feature stages
	stages := analysis.Stages{
		Static:    features.NewStaticService(a.Logger),
		Handshake: protocol,
		Rendered:  a.Renderer,
	}
	if cfg.Features.ReputationEnabled {
		stages.Reputation = features.NewReputationService(a.Logger,
			features.WithRDAPURL(cfg.Features.RDAPURL),
			features.WithTLSTimeout(common.ParseDurationOr(cfg.Features.TLSTimeout, features.DefaultTLSTimeout)),
			features.WithLookupTimeout(common.ParseDurationOr(cfg.Features.LookupTimeout, features.DefaultLookupTimeout)),
			features.WithRDAPRateLimit(cfg.Features.RateLimit),
		)
	}

	// Classifier
	a.Classifier = classifier.NewChannel(
		classifier.NewWebSocketDialer(cfg.Classifier.URL),
		common.ParseDurationOr(cfg.Classifier.Timeout, 3*time.Second),
		common.ParseDurationOr(cfg.Classifier.ReadyTimeout, 10*time.Second),
		a.Logger,
	)
	a.Coordinator = analysis.NewCoordinator(stages, a.Classifier, a.Logger)

	deps := analyzer.Dependencies{
		Scheduler:  queue.NewScheduler(cfg.Scheduler.Concurrency, a.Logger),
		Runner:     a.Coordinator,
		Store:      results.NewStore(cfg.Scheduler.StoreCapacity),
		History:    results.NewHistory(cfg.Scheduler.HistorySize),
		Signals:    a.Signals,
		Classifier: a.Classifier,
		Events:     a.EventService,
	}

	// Reporting
	if cfg.Reporting.Enabled {
		client := reporting.NewClient(cfg.Reporting.BaseURL,
			reporting.WithTimeout(common.ParseDurationOr(cfg.Reporting.RequestTimeout, reporting.DefaultTimeout)),
			reporting.WithRateLimit(cfg.Reporting.RateLimit),
			reporting.WithLogger(a.Logger),
		)
		a.Batcher = reporting.NewBatcher(client, reporting.NewKVState(a.KVStorage), reporting.Options{
			Threshold:     cfg.Reporting.Threshold,
			TriggerSize:   cfg.Reporting.TriggerSize,
			MaxBatchSize:  cfg.Reporting.MaxBatchSize,
			Retries:       cfg.Reporting.Retries,
			Backoff:       common.ParseDurationOr(cfg.Reporting.Backoff, 800*time.Millisecond),
			FlushSchedule: cfg.Reporting.FlushSchedule,
		}, a.Logger)
		deps.Reporter = a.Batcher
	}

	a.Analyzer = analyzer.NewService(deps, a.Logger)
	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.AnalyzerHandler = handlers.NewAnalyzerHandler(a.Analyzer, a.Logger)
}

// Close stops the analyzer and releases the renderer, events and storage
func (a *App) Close() error {
	if a.Analyzer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.Analyzer.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Analyzer did not stop cleanly")
		}
		cancel()
	}

	// Pending reports get one last attempt
	if a.Batcher != nil && a.Batcher.PendingCount() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.Batcher.Flush(ctx); err != nil {
			a.Logger.Warn().Err(err).Int("pending", a.Batcher.PendingCount()).Msg("Final report flush failed")
		}
		cancel()
	}

	if a.chrome != nil {
		a.chrome.Shutdown()
		a.Logger.Info().Msg("Browser renderer stopped")
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close database")
			return err
		}
		a.Logger.Info().Msg("Database closed")
	}

	return nil
}
