package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qashsolutions/healthguide-sub003/internal/config"
	"github.com/qashsolutions/healthguide-sub003/internal/logging"
	"github.com/qashsolutions/healthguide-sub003/internal/outbox"
	"github.com/qashsolutions/healthguide-sub003/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "healthguide",
	Short: "Offline-first visit sync for caregivers",
	Long: `healthguide keeps a caregiver's visit schedule, check-ins, task
completions and care notes durable on the device and synchronizes them with
the backend whenever it is reachable. All actions work offline; queued
changes replay in order on reconnect.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./healthguide.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(refreshCmd)
}

// loadEnv builds the config loader and logger shared by every command.
func loadEnv() (*config.Loader, *zap.Logger, zap.AtomicLevel, error) {
	loader, err := config.Load(configPath)
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, err
	}
	cfg := loader.Config()
	logger, level, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, err
	}
	return loader, logger, level, nil
}

// openStore opens the local database and its outbox with the configured
// retry policy.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store.Store, *outbox.Outbox, error) {
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.InitSchema(ctx); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	ob := outbox.New(st.RawDB(), logger,
		outbox.WithBackoff(outbox.BackoffPolicy{
			Base:   cfg.Sync.BackoffBase,
			Factor: cfg.Sync.BackoffFactor,
			Cap:    cfg.Sync.BackoffCap,
			Jitter: cfg.Sync.BackoffJitter,
		}),
		outbox.WithMaxAttempts(cfg.Sync.MaxAttempts),
	)
	// a previous run may have died mid-delivery; those records retry now
	if _, err := ob.RecoverInFlight(ctx); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to recover outbox: %w", err)
	}
	return st, ob, nil
}
