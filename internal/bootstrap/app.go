// Package bootstrap handles application initialization and lifecycle
// management for the godata service.
package bootstrap

import (
	"flag"
	"fmt"

	"github.com/jonesrussell/godata/internal/aggregator"
	"github.com/jonesrussell/godata/internal/api"
	"github.com/jonesrussell/godata/internal/cache"
	"github.com/jonesrussell/godata/internal/config"
	"github.com/jonesrussell/godata/internal/download"
	"github.com/jonesrussell/godata/internal/httpclient"
	"github.com/jonesrussell/godata/internal/hub"
	"github.com/jonesrussell/godata/internal/logger"
)

const version = "dev"

// Start initializes and starts the godata application.
func Start() error {
	// Phase 1: Load config and create logger
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := CreateLogger(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	// Phase 2: Open the local cache
	cacheMgr, err := cache.Open(cfg.Cache.DatabasePath(), log)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer func() {
		if closeErr := cacheMgr.Close(); closeErr != nil {
			log.Error("Failed to close cache", logger.Error(closeErr))
		}
	}()

	// Phase 3: Build the portal registry
	registry, err := BuildRegistry(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build portal registry: %w", err)
	}
	defer func() {
		if closeErr := registry.Close(); closeErr != nil {
			log.Error("Failed to close portal clients", logger.Error(closeErr))
		}
	}()

	// Phase 4: Compose the service
	agg := aggregator.New(registry, cfg.HTTP.FanOutTimeout, log)
	downloadClient := httpclient.New(httpclient.Config{Timeout: cfg.HTTP.DownloadTimeout})
	downloader := download.New(registry, cacheMgr, downloadClient, log)
	svc := hub.New(registry, agg, cacheMgr, downloader, log)

	// Phase 5: Run the HTTP server
	router := api.NewRouter(svc, cfg, log)
	server := NewServer(cfg.Server, router, log)

	log.Info("Starting HTTP server",
		logger.String("host", cfg.Server.Host),
		logger.Int("port", cfg.Server.Port),
		logger.Strings("portals", registry.IDs()),
	)

	if runErr := server.Run(); runErr != nil {
		log.Error("Server error", logger.Error(runErr))
		return fmt.Errorf("server error: %w", runErr)
	}

	log.Info("Server exited")
	return nil
}

// LoadConfig loads configuration. Uses -config flag with the env-derived
// default path.
func LoadConfig() (*config.Config, error) {
	configPath := flag.String("config", config.GetConfigPath("config.yml"), "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// CreateLogger creates a logger instance from configuration.
func CreateLogger(cfg *config.Config, version string) (logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log.With(
		logger.String("service", "godata"),
		logger.String("version", version),
	), nil
}
