package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qashsolutions/healthguide-sub003/internal/config"
	"github.com/qashsolutions/healthguide-sub003/internal/connectivity"
	"github.com/qashsolutions/healthguide-sub003/internal/engine"
	"github.com/qashsolutions/healthguide-sub003/internal/gateway"
	"github.com/qashsolutions/healthguide-sub003/internal/refdata"
	"github.com/qashsolutions/healthguide-sub003/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the connectivity monitor, sync engine and periodic reference
refresh until interrupted. Local writes keep working regardless of backend
reachability; the daemon drains them when it can.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, logger, level, err := loadEnv()
		if err != nil {
			return err
		}
		defer logger.Sync()
		cfg := loader.Config()
		if cfg.CaregiverID == "" {
			return fmt.Errorf("caregiver_id is not configured")
		}
		if cfg.Server.URL == "" {
			return fmt.Errorf("server.url is not configured")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, ob, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		client := gateway.NewClient(gateway.ClientConfig{
			BaseURL: cfg.Server.URL,
			Token:   cfg.Server.Token,
			Timeout: cfg.Server.Timeout,
		}, logger)

		monitor := connectivity.New(client, logger,
			connectivity.WithInterval(cfg.Connectivity.Interval),
			connectivity.WithProbeTimeout(cfg.Connectivity.ProbeTimeout),
		)
		eng := engine.New(st, ob, client, monitor, logger,
			engine.WithBatchSize(cfg.Sync.BatchSize),
			engine.WithMaxConcurrency(cfg.Sync.MaxConcurrency),
			engine.WithRateLimit(cfg.Sync.RatePerSecond, cfg.Sync.RateBurst),
		)
		refresher := refdata.New(st, ob, client, logger,
			refdata.WithElderTTL(cfg.Refresh.ElderTTL),
		)

		// log level follows the config file without a restart
		loader.Watch(logger, func(next *config.Config) {
			reloadLevel(logger, level, next.Log.Level)
		})

		fmt.Printf("%s healthguide daemon started (caregiver %s)\n",
			ui.RenderAccent("▶"), cfg.CaregiverID)

		var wg sync.WaitGroup
		wg.Add(4)
		go func() {
			defer wg.Done()
			if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("connectivity monitor stopped", zap.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("sync engine stopped", zap.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			refreshLoop(ctx, cfg, monitor, refresher, logger)
		}()
		go func() {
			defer wg.Done()
			reportEvents(ctx, eng)
		}()

		<-ctx.Done()
		fmt.Printf("\n%s shutting down\n", ui.RenderMuted("■"))
		wg.Wait()

		if n, err := ob.Prune(context.Background(), cfg.Sync.PruneRetention); err == nil && n > 0 {
			logger.Info("pruned synced mutations", zap.Int64("count", n))
		}
		return nil
	},
}

func reloadLevel(logger *zap.Logger, level zap.AtomicLevel, next string) {
	if next == "" {
		return
	}
	var parsed zap.AtomicLevel
	if err := parsed.UnmarshalText([]byte(next)); err != nil {
		logger.Warn("ignoring invalid log level", zap.String("level", next))
		return
	}
	if parsed.Level() != level.Level() {
		level.SetLevel(parsed.Level())
		logger.Info("log level changed", zap.String("level", next))
	}
}

// refreshLoop pulls reference data periodically while online. Offline
// ticks are skipped; the first pull after startup happens on the first
// online tick.
func refreshLoop(ctx context.Context, cfg *config.Config, monitor *connectivity.Monitor, refresher *refdata.Refresher, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.Refresh.Interval)
	defer ticker.Stop()

	pull := func() {
		if !monitor.Online() {
			return
		}
		date := time.Now().Format("2006-01-02")
		if err := refresher.Refresh(ctx, cfg.CaregiverID, date); err != nil && ctx.Err() == nil {
			logger.Warn("reference refresh failed", zap.Error(err))
		}
	}

	// initial pull as soon as connectivity is confirmed
	for !monitor.Online() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	pull()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pull()
		}
	}
}

// reportEvents surfaces engine notifications on the terminal.
func reportEvents(ctx context.Context, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eng.Events():
			switch ev.Kind {
			case engine.EventSynced:
				fmt.Printf("%s %s %s synced\n", ui.RenderSuccess("✓"), ev.EntityType, ev.EntityID)
			case engine.EventDiscarded:
				fmt.Printf("%s %s %s: %s\n", ui.RenderWarning("⚠"), ev.EntityType, ev.EntityID, ev.Message)
			case engine.EventFailed, engine.EventConflict:
				fmt.Printf("%s %s %s: %s (see 'healthguide outbox list')\n",
					ui.RenderError("✗"), ev.EntityType, ev.EntityID, ev.Message)
			}
		}
	}
}
