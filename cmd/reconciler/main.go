package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/rewards/internal/app"
	"example.com/rewards/internal/config"
	"example.com/rewards/internal/logging"
	"example.com/rewards/internal/outbox"
)

func main() {
	cfg := config.Load()
	logger := logging.New(logging.Options{
		Service:    "rewards-reconciler",
		Level:      cfg.LogLevel,
		Path:       cfg.LogPath,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise", zap.Error(err))
	}
	defer rt.Close()

	sched, err := gocron.NewScheduler(
		gocron.WithClock(clockwork.NewRealClock()),
		gocron.WithLocation(cfg.StreakLocation()),
	)
	if err != nil {
		logger.Fatal("failed to create scheduler", zap.Error(err))
	}

	singleton := gocron.WithSingletonMode(gocron.LimitModeReschedule)

	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.ReconcileInterval),
		gocron.NewTask(func() {
			report, err := rt.Reconciler.RunOnce(ctx, cfg.ReconcileBatchSize)
			if err != nil {
				logger.Error("reconcile pass failed", zap.Error(err), zap.Int("scanned", report.Scanned))
			}
		}),
		gocron.WithName("reconcile-pending"),
		singleton,
	); err != nil {
		logger.Fatal("failed to schedule reconcile", zap.Error(err))
	}

	if _, err := sched.NewJob(
		gocron.CronJob(cfg.RepairCron, false),
		gocron.NewTask(func() {
			repaired, err := rt.Reconciler.RepairAll(ctx)
			if err != nil {
				logger.Error("balance repair failed", zap.Error(err))
				return
			}
			logger.Info("balance repair complete", zap.Int("users", repaired))
		}),
		gocron.WithName("repair-balances"),
		singleton,
	); err != nil {
		logger.Fatal("failed to schedule repair", zap.Error(err), zap.String("cron", cfg.RepairCron))
	}

	if rt.Pool != nil {
		manager := outbox.NewDLQManager(rt.Pool, logger.Named("dlq"), cfg.DLQMaxRetries, cfg.DLQBaseDelay)
		if _, err := sched.NewJob(
			gocron.DurationJob(cfg.DLQPollInterval),
			gocron.NewTask(func() {
				if _, err := manager.RunOnce(ctx, cfg.DLQBatchSize); err != nil {
					logger.Error("dlq pass failed", zap.Error(err))
				}
			}),
			gocron.WithName("dlq-requeue"),
			singleton,
		); err != nil {
			logger.Fatal("failed to schedule dlq", zap.Error(err))
		}
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("reconciler metrics listening", zap.String("addr", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sched.Start()
	logger.Info("reconciler started",
		zap.Duration("interval", cfg.ReconcileInterval),
		zap.Duration("dlq_interval", cfg.DLQPollInterval),
		zap.String("repair_cron", cfg.RepairCron),
	)

	<-ctx.Done()
	logger.Info("reconciler shutdown requested")

	if err := sched.Shutdown(); err != nil {
		logger.Error("scheduler shutdown error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}
}
