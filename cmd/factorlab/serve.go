package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/factorlab/factorlab/internal/cache"
	"github.com/factorlab/factorlab/internal/infrastructure/db"
	httpapi "github.com/factorlab/factorlab/internal/interfaces/http"
	"github.com/factorlab/factorlab/internal/jobs"
	"github.com/factorlab/factorlab/internal/marketdata"
	"github.com/factorlab/factorlab/internal/service"
	"github.com/factorlab/factorlab/internal/tasklog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the evaluation workers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := db.NewManager(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("store connection failed: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("store disconnect failed")
		}
	}()

	if err := manager.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("index bootstrap failed: %w", err)
	}

	chartCache := cache.NewAuto(cfg.Cache, logger)
	defer func() {
		if err := chartCache.Close(); err != nil {
			logger.Warn().Err(err).Msg("chart cache close failed")
		}
	}()

	metrics := httpapi.NewMetricsRegistry()
	repo := *manager.Repository()

	buffer := tasklog.NewBuffer(repo.Logs, repo.Tasks, cfg.Runtime, metrics, logger)
	reader := marketdata.NewReader(repo.Market, repo.Factors, cfg.Runtime, metrics, logger)
	runner := jobs.NewRunner(repo, reader, buffer, cfg.Runtime, metrics, logger)
	svc := service.New(repo, runner, chartCache, cfg.Cache, metrics, logger)

	handlers := httpapi.NewHandlers(svc, manager.Health(), metrics, logger)
	server := httpapi.NewServer(cfg.Server, handlers, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr()).
			Str("version", version).
			Int("task_workers", cfg.Runtime.TaskWorkers).
			Msg("factorlab listening")
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	// Stop intake first, let in-flight tasks settle, then drain the log
	// buffer so their final entries reach the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("task runner shutdown incomplete")
	}
	if err := buffer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("log buffer drain incomplete")
	}

	logger.Info().Msg("factorlab stopped")
	return nil
}
