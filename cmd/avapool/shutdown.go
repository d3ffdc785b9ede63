package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/observability"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 30 * time.Second

// run starts the daemon and blocks until shutdown.
func run(ctx context.Context, app *application, configPath string, logger observability.Logger) {
	serveErr, err := app.start(ctx)
	if err != nil {
		fatalWithSync(logger, "failed to start avapool", observability.Error(err))
		return
	}

	watcher := startConfigWatcher(ctx, app, configPath, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	waitForShutdown(app, watcher, sigCh, serveErr, logger)
}

// waitForShutdown handles signals until SIGINT, SIGTERM or a serve
// error, then performs graceful shutdown. SIGHUP forces a reload.
func waitForShutdown(
	app *application,
	watcher *config.Watcher,
	sigCh <-chan os.Signal,
	serveErr <-chan error,
	logger observability.Logger,
) {
	for done := false; !done; {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				forceReload(watcher, logger)
				continue
			}
			logger.Info("received shutdown signal", observability.String("signal", sig.String()))
			done = true
		case err, ok := <-serveErr:
			if ok && err != nil {
				logger.Error("admin server failed", observability.Error(err))
			}
			done = true
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
		app.reloadMetrics.watcherStatus.Set(0)
	}

	if err := app.stop(shutdownCtx); err != nil {
		logger.Error("failed to stop avapool gracefully", observability.Error(err))
	}

	logger.Info("avapool stopped")
}

func forceReload(watcher *config.Watcher, logger observability.Logger) {
	if watcher == nil {
		logger.Warn("received SIGHUP but the config watcher is not running")
		return
	}
	logger.Info("received SIGHUP, reloading configuration")
	if err := watcher.ForceReload(); err != nil {
		logger.Error("configuration reload rejected", observability.Error(err))
	}
}
