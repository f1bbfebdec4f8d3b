package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/wealth-steward/internal/api"
	"github.com/nugget/wealth-steward/internal/buildinfo"
	"github.com/nugget/wealth-steward/internal/checkpoint"
	"github.com/nugget/wealth-steward/internal/health"
)

// shutdownTimeout bounds draining in-flight requests on shutdown.
const shutdownTimeout = 15 * time.Second

// runServe starts the API server and the prune schedule, then blocks
// until ctx is cancelled or a SIGINT/SIGTERM arrives.
//
// The shutdown sequence is:
//  1. The signal cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The prune schedule stops, waiting for a running prune
//  4. The thread store is closed
func runServe(ctx context.Context, logOut io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	logger := newLogger(logOut, cfg)
	if err != nil {
		return err
	}
	logger.Info("starting steward", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	if cfgPath == "" {
		logger.Warn("no config file found, using built-in defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close thread store", "error", err)
		}
	}()

	monitor := health.NewMonitor(logger)
	a.watchDependencies(ctx, monitor)
	defer monitor.Stop()

	var pruner *checkpoint.Pruner
	if cfg.Storage.Prune.Schedule != "" && cfg.Storage.Prune.MaxAge > 0 {
		pruner, err = checkpoint.NewPruner(a.store, cfg.Storage.Prune.Schedule, cfg.Storage.Prune.MaxAge, logger)
		if err != nil {
			return fmt.Errorf("storage.prune: %w", err)
		}
	}

	server := api.NewServer(api.Config{
		Address:     cfg.Listen.Address,
		Port:        cfg.Listen.Port,
		Auth:        cfg.Auth,
		CORSOrigins: cfg.CORS.AllowedOrigins,
		RateLimit:   cfg.RateLimit,
		IgnoreNodes: cfg.Stream.IgnoreNodes,
	}, api.Deps{
		Logger:  logger,
		Loop:    a.loop,
		Router:  a.router,
		Store:   a.store,
		Metrics: a.metrics,
		Health:  monitor,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(gctx)
	})

	if pruner != nil {
		pruner.Start()
		logger.Info("thread pruning scheduled", "schedule", cfg.Storage.Prune.Schedule, "max_age", cfg.Storage.Prune.MaxAge)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
		if pruner != nil {
			if err := pruner.Stop(shutdownCtx); err != nil {
				logger.Warn("prune still running at shutdown", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("steward stopped")
	return nil
}
