package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"kptv-zap/work/backend"
	"kptv-zap/work/buffer"
	"kptv-zap/work/catalog"
	"kptv-zap/work/client"
	"kptv-zap/work/config"
	"kptv-zap/work/controller"
	"kptv-zap/work/handlers"
	"kptv-zap/work/history"
	"kptv-zap/work/logger"
	"kptv-zap/work/scheduler"
	"kptv-zap/work/session"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// SIGHUP rebuilds everything from a freshly loaded config
	for {
		restart, err := run()
		if err != nil {
			logger.Error("{main - main} %v", err)
			os.Exit(1)
		}
		if !restart {
			return
		}
		config.ClearConfigCache()
		logger.Info("{main - main} graceful restart requested, reloading configuration")
	}
}

// run wires one generation of the app and blocks until a signal arrives. It reports
// whether the process should come back up with a reloaded config.
func run() (bool, error) {

	// load our config
	cfg := config.LoadConfig()
	logger.Configure(logger.Config{Level: cfg.LogLevel, Service: "kptv-zap"})

	// Initialize HTTP client
	httpClient := client.NewHeaderSettingClient(cfg)

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return false, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer workerPool.Release()

	// preloads get their own non-blocking pool: when it is saturated a preload is dropped
	// rather than holding up the switch that asked for it
	preloadWorkers := cfg.MaxConcurrentPreloads * cfg.MaxPreloadQualitiesPerChannel
	if preloadWorkers < 1 {
		preloadWorkers = 1
	}
	preloadPool, err := ants.NewPool(preloadWorkers, ants.WithNonblocking(true))
	if err != nil {
		return false, fmt.Errorf("failed to create preload pool: %w", err)
	}
	defer preloadPool.Release()

	sched := scheduler.NewReal()
	defer sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// channel list
	provider := session.NewStatic(cfg.SessionToken, 0, sched)
	channels, err := catalog.Load(ctx, cfg.CatalogSource, catalog.Options{
		Include:            cfg.IncludeRegex,
		Exclude:            cfg.ExcludeRegex,
		QualityBlendLevels: cfg.QualityBlendLevels,
	}, provider, httpClient)
	if err != nil {
		return false, err
	}

	// watch history
	var store history.Store
	if cfg.HistoryPath != "" {
		db, err := history.OpenSQLite(cfg.HistoryPath, cfg.HistoryLimit, logger.WithComponent("history", cfg.LogLevel))
		if err != nil {
			return false, err
		}
		store = db
	} else {
		store = history.NewMemory(cfg.HistoryLimit)
	}
	defer store.Close()

	// playback backend and preload elements share decoded manifests
	manifests := backend.NewManifestCache(httpClient, cfg.PreloadLimit*cfg.MaxPreloadQualitiesPerChannel, cfg.ManifestCacheTTL, cfg.StreamTimeout)
	player := backend.NewHeadless(manifests, logger.WithComponent("backend", cfg.LogLevel))
	bufferPool := buffer.NewBufferPool(cfg.PreloadSampleBytes)
	preloader := backend.NewPreloader(httpClient, manifests, bufferPool, cfg.PreloadSampleBytes, logger.WithComponent("preloader", cfg.LogLevel))

	ctl, err := controller.New(cfg, controller.Deps{
		Backend:          player,
		Catalog:          channels,
		Factory:          preloader,
		Submitter:        workerPool,
		PreloadSubmitter: preloadPool,
		Scheduler:        sched,
		Doer:             httpClient,
		History:          store,
		Log:              logger.WithComponent("controller", cfg.LogLevel),
	})
	if err != nil {
		return false, err
	}
	defer ctl.Destroy()

	if err := ctl.Start(ctx); err != nil {
		// the watchdog keeps advancing; a dead first channel is not fatal
		logger.Warn("{main - run} initial channel failed to play: %v", err)
	}

	router := handlers.NewRouter(ctl, handlers.Options{
		AdminUser:         cfg.AdminUser,
		AdminPasswordHash: cfg.AdminPasswordHash,
	})
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("{main - run} starting KPTV Zap %s", Version)
	logger.Info("{main - run} server configuration:")
	logger.Info("{main - run}   - Listen Address: %s", cfg.ListenAddr)
	logger.Info("{main - run}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - run}   - Channels: %d", channels.Len())
	logger.Info("{main - run}   - Preload Limit: %d", cfg.PreloadLimit)
	logger.Info("{main - run}   - Preload On Zap: %v", cfg.PreloadOnZap)
	logger.Info("{main - run}   - Auto Quality: %v", cfg.AutoQualityAdjust)
	logger.Info("{main - run}   - Connection: %s", cfg.ConnectionCategory)
	logger.Info("{main - run}   - Infinity Buffer: %v", cfg.InfinityBufferEnabled)
	logger.Info("{main - run}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	restart := false
	select {
	case sig := <-signals:
		restart = sig == syscall.SIGHUP
		logger.Info("{main - run} received %s, shutting down", sig)
	case err := <-serverErr:
		return false, fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main - run} server shutdown: %v", err)
	}
	return restart, nil
}
