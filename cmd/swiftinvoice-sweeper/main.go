package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/swiftinvoice/pkg/app"
	"github.com/platinummonkey/swiftinvoice/pkg/config"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
	"github.com/platinummonkey/swiftinvoice/pkg/reconcile"
)

var (
	runOnce  = flag.Bool("run-once", false, "Run a single sweep and exit")
	since    = flag.Duration("since", 0, "Look back this far instead of the configured lookback")
	schedule = flag.String("schedule", "", "Cron schedule for sweeps (overrides SWIFTINVOICE_SWEEP_SCHEDULE)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *since > 0 {
		cfg.Sweeper.Lookback = *since
	}
	if *schedule != "" {
		cfg.Sweeper.Schedule = *schedule
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).
		WithField("service", "swiftinvoice-sweeper")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize sweeper")
		os.Exit(1)
	}

	if *runOnce {
		err := sweep(ctx, a.Reconciler, cfg.Sweeper.Lookback, logger)
		if shutdownErr := shutdown(a); shutdownErr != nil {
			logger.WithError(shutdownErr).Warn("Shutdown incomplete")
		}
		if err != nil {
			os.Exit(1)
		}
		return
	}

	// A slow sweep is skipped rather than overlapped
	var mu sync.Mutex
	c := cron.New()
	_, err = c.AddFunc(cfg.Sweeper.Schedule, func() {
		if !mu.TryLock() {
			logger.Warn("Previous sweep still running, skipping")
			return
		}
		defer mu.Unlock()
		defer observability.RecoverPanic(logger, "sweeper.sweep")
		sweep(ctx, a.Reconciler, cfg.Sweeper.Lookback, logger)
	})
	if err != nil {
		logger.WithError(err).WithField("schedule", cfg.Sweeper.Schedule).Error("Failed to schedule sweep")
		shutdown(a)
		os.Exit(1)
	}

	c.Start()
	logger.WithFields(map[string]interface{}{
		"schedule": cfg.Sweeper.Schedule,
		"lookback": cfg.Sweeper.Lookback.String(),
	}).Info("swiftinvoice sweeper started")

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	stopped := c.Stop()
	<-stopped.Done()

	if err := shutdown(a); err != nil {
		logger.WithError(err).Warn("Shutdown incomplete")
	}
	logger.Info("Sweeper stopped")
}

func sweep(ctx context.Context, r *reconcile.Reconciler, lookback time.Duration, logger *observability.Logger) error {
	from := time.Now().UTC().Add(-lookback)
	start := time.Now()

	// res is partial when some sessions failed
	res, err := r.Sweep(ctx, from)
	fields := map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()}
	if res != nil {
		fields["seen"] = res.Seen
		fields["applied"] = res.Applied
		fields["duplicates"] = res.Duplicates
		fields["unpaid"] = res.Unpaid
		fields["failed"] = res.Failed
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("Sweep failed")
		return err
	}
	logger.WithFields(fields).Info("Sweep completed")
	return nil
}

func shutdown(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	return a.Shutdown(ctx)
}
