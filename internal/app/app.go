// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/quote-harvester/internal/api"
	"github.com/JakeFAU/quote-harvester/internal/clock/system"
	"github.com/JakeFAU/quote-harvester/internal/config"
	"github.com/JakeFAU/quote-harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/quote-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/quote-harvester/internal/id/uuid"
	"github.com/JakeFAU/quote-harvester/internal/pipeline"
	"github.com/JakeFAU/quote-harvester/internal/storage/memory"
)

// App holds the shared services built once from configuration: the
// coordinator with its shared HTTP client and compiled selectors, and the
// run history served by the API.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	coordinator *pipeline.Coordinator
	runs        *memory.RunStore
}

// NewApp wires the fetcher, extractor and coordinator from cfg. It fails
// fast on invalid selectors or an unusable base URL.
func NewApp(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing harvester services",
		zap.String("base_url", cfg.Harvest.BaseURL),
		zap.Int("concurrency", cfg.Harvest.Concurrency),
	)

	extractor, err := extract.New(cfg.Selectors)
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.RequestTimeout(),
	}, logger.Named("fetcher"))

	coordinator, err := pipeline.New(
		fetcher,
		extractor,
		cfg.Pipeline(),
		system.New(),
		uuid.New(),
		logger.Named("pipeline"),
	)
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	return &App{
		cfg:         cfg,
		logger:      logger,
		coordinator: coordinator,
		runs:        memory.NewRunStore(cfg.Server.History),
	}, nil
}

// GetConfig returns the configuration the services were built from.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetHarvester returns the pipeline coordinator.
func (a *App) GetHarvester() api.Harvester {
	return a.coordinator
}

// GetRunStore returns the in-memory run history.
func (a *App) GetRunStore() api.RunStore {
	return a.runs
}

// Close flushes the logger. It is called by a Cobra hook after the command finishes.
func (a *App) Close() {
	a.logger.Debug("shutting down harvester services")
	// Sync fails on console outputs such as stderr; nothing useful can be done with it.
	_ = a.logger.Sync()
}
