package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/factorlab/factorlab/internal/infrastructure/db"
)

var indexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "Create the store indexes and exit",
	Long:  "Builds every index the repositories rely on. Safe to run repeatedly; existing indexes are left untouched.",
	RunE:  runIndexes,
}

func runIndexes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	manager, err := db.NewManager(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("store connection failed: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Close(closeCtx)
	}()

	if err := manager.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("index bootstrap failed: %w", err)
	}
	logger.Info().Str("database", cfg.Mongo.Database).Msg("indexes ensured")
	return nil
}
