package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"scenery-downloader/internal/catalog"
	"scenery-downloader/internal/cleanup"
	"scenery-downloader/internal/config"
	"scenery-downloader/internal/database"
	"scenery-downloader/internal/downloader"
	"scenery-downloader/internal/extractor"
	"scenery-downloader/internal/gateway"
	"scenery-downloader/internal/installed"
	"scenery-downloader/internal/manifest"
	"scenery-downloader/internal/metrics"
	"scenery-downloader/internal/simulator"
	"scenery-downloader/internal/web"
	"scenery-downloader/internal/web/handlers"
	"scenery-downloader/pkg/models"
)

// staleStagingAge is how old an abandoned staging folder must be before startup
// removes it
const staleStagingAge = time.Hour

func main() {
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	slog.Info("Starting Scenery Downloader", "version", gateway.Version)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	return runServer(a)
}

// app holds the wired components
type app struct {
	cfg      *config.Config
	db       *database.DB
	registry *installed.Registry
	locator  *simulator.DirLocator
	worker   *downloader.Worker
	server   *web.Server
}

func newApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := openDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	registry, err := installed.Open(cfg.InstalledRegistryPath())
	if err != nil {
		if !errors.Is(err, models.ErrRegistryCorrupt) {
			db.Close()
			return nil, fmt.Errorf("failed to open installed registry: %w", err)
		}
		slog.Warn("Installed registry was corrupt and has been reset; the old file is kept alongside it",
			"path", cfg.InstalledRegistryPath(),
			"error", err)
	}

	m := metrics.New()

	client := gateway.New(cfg.GatewayBaseURL, cfg.GatewayRateLimit)
	cat := catalog.NewService(client, cfg.PrefetchConcurrency, catalog.DefaultTTL)
	cat.SetMetrics(m)

	locator := simulator.NewDirLocator(cfg.XPlanePath)

	worker := downloader.NewWorker(downloader.Dependencies{
		Fetcher:   client,
		Extractor: extractor.NewService(),
		Installed: registry,
		History:   db,
		Locator:   locator,
		Manifests: func(sceneryDir string) downloader.ManifestWriter { return manifest.NewWriter(sceneryDir) },
		Metrics:   m,
	})

	browseBase, err := os.UserHomeDir()
	if err != nil {
		browseBase = string(filepath.Separator)
	}

	h := handlers.NewHandlers(handlers.Services{
		Catalog:       cat,
		Worker:        worker,
		Installed:     registry,
		History:       db,
		Browser:       simulator.NewBrowser(browseBase),
		Installations: locator.Installations,
	})

	return &app{
		cfg:      cfg,
		db:       db,
		registry: registry,
		locator:  locator,
		worker:   worker,
		server:   web.NewServer(cfg, h, m),
	}, nil
}

func openDatabase(path string) (*database.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}
	return database.New(path)
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		slog.Error("Failed to close database", "error", err)
	}
}

func runServer(a *app) error {
	// Create main context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	removeStaleStaging(a.locator)

	go a.worker.Start(ctx)
	go startHistoryCleanup(ctx, a.db, a.cfg.HistoryRetention())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	}

	// Cancel context to stop the download worker
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// setupLogging configures structured logging based on the log level
func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

// removeStaleStaging clears staging folders that an interrupted extraction left in
// the simulator's Custom Scenery folder
func removeStaleStaging(locator simulator.RootLocator) int {
	root, err := locator.LocateSimulatorRoot()
	if err != nil {
		slog.Info("No simulator installation found at startup", "error", err)
		return 0
	}

	removed, err := cleanup.NewService(root.SceneryDir).RemoveStaleStaging(staleStagingAge)
	if err != nil {
		slog.Warn("Failed to remove stale staging folders", "path", root.SceneryDir, "error", err)
		return 0
	}
	if removed > 0 {
		slog.Info("Removed stale staging folders", "count", removed)
	}
	return removed
}

// startHistoryCleanup prunes task history once at startup and then daily
func startHistoryCleanup(ctx context.Context, db *database.DB, retention time.Duration) {
	if retention <= 0 {
		slog.Info("History retention disabled")
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	cleanupOldHistory(db, retention)

	for {
		select {
		case <-ctx.Done():
			slog.Info("History cleanup routine shutting down")
			return
		case <-ticker.C:
			cleanupOldHistory(db, retention)
		}
	}
}

// cleanupOldHistory removes history entries older than retention
func cleanupOldHistory(db *database.DB, retention time.Duration) {
	slog.Info("Running history cleanup", "retention_days", int(retention.Hours()/24))

	deleted, err := db.DeleteOldHistory(retention)
	if err != nil {
		slog.Error("Failed to cleanup old history", "error", err)
		return
	}

	slog.Info("History cleanup completed", "deleted", deleted)
}
