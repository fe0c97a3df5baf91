// aofd is the AOF daemon: a single foreground process that runs the
// scheduler poll loop until it receives SIGINT/SIGTERM, then drains in
// flight work before exiting.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/d0labs/aof/internal/config"
	"github.com/d0labs/aof/internal/dependency"
	"github.com/d0labs/aof/internal/dispatch"
	"github.com/d0labs/aof/internal/event"
	"github.com/d0labs/aof/internal/gate"
	"github.com/d0labs/aof/internal/lease"
	"github.com/d0labs/aof/internal/logging"
	"github.com/d0labs/aof/internal/manifest"
	"github.com/d0labs/aof/internal/metrics"
	"github.com/d0labs/aof/internal/scheduler"
	"github.com/d0labs/aof/internal/store"
	"github.com/d0labs/aof/internal/throttle"
)

var configFile string

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aofd",
		Short: "Runs the AOF scheduler poll loop in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file (json/yaml/toml)")
	config.BindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	level := slog.LevelInfo
	if cfg.DryRun {
		level = slog.LevelDebug
	}
	logger := logging.NewDefault(level)

	tasksDir := filepath.Join(cfg.DataDir, "tasks")
	eventsDir := filepath.Join(cfg.DataDir, "events")

	now := time.Now
	events := event.NewLog(eventsDir)
	s := store.NewFileStore(tasksDir, now, events, logger)

	leaseMgr := lease.New(s, lease.Options{
		DefaultTTL:   cfg.DefaultLeaseTTL,
		MaxRenewals:  cfg.MaxLeaseRenewals,
		ExpiryPolicy: lease.MaxRequeuePolicy{MaxAutoRequeue: cfg.MaxAutoRequeue},
		Clock:        now,
	})
	autoRenew := lease.NewAutoRenewer(leaseMgr, nil, logger)

	throttleCtrl := throttle.New(throttle.Config{
		MinDispatchInterval:     cfg.MinDispatchInterval,
		MinTeamDispatchInterval: cfg.MinTeamDispatchInterval,
		GlobalConcurrencyCap:    cfg.GlobalConcurrencyCap,
		TeamConcurrencyCap:      cfg.TeamConcurrencyCap,
		MaxDispatchesPerTick:    cfg.MaxDispatchesPerTick,
	})

	manifests := manifest.NewDirSource(cfg.ManifestsDir)

	gateEngine := gate.New(s, gate.Options{
		Manifests: manifests,
		Events:    events,
		Logger:    logger,
		Clock:     now,
	})

	dispatcher := dispatch.New(dispatch.Options{
		Store:         s,
		Leases:        leaseMgr,
		AutoRenew:     autoRenew,
		Throttle:      throttleCtrl,
		Events:        events,
		Executor:      nil, // no concrete executor wired; the daemon degrades to the no_executor plan-only mode until one is configured
		Logger:        logger,
		Clock:         now,
		SpawnTimeout:  cfg.SpawnTimeout,
		RenewInterval: cfg.DefaultLeaseTTL / 3,
	}, cfg.DryRun)

	metricsBundle := metrics.New(prometheus.DefaultRegisterer)

	sched := scheduler.New(scheduler.Options{
		Store:      s,
		Leases:     leaseMgr,
		AutoRenew:  autoRenew,
		Gate:       gateEngine,
		Dispatcher: dispatcher,
		Throttle:   throttleCtrl,
		Manifests:  manifests,
		Topo:       dependency.NewTopoOrderer(32),
		Events:     events,
		Metrics:    metricsBundle,
		Logger:     logger,
		Clock:      now,
		Interval:   cfg.PollInterval,
		DryRun:     cfg.DryRun,
	})

	logger.Info("aofd: starting (dataDir=%s pollInterval=%s dryRun=%v)", cfg.DataDir, cfg.PollInterval, cfg.DryRun)
	sched.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-ctx.Done():
	case <-quit:
		logger.Info("aofd: signal received, draining")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Drain(drainCtx); err != nil {
		return fmt.Errorf("aofd: drain: %w", err)
	}
	logger.Info("aofd: stopped")
	return nil
}
