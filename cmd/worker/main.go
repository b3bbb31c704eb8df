package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/period-close/internal/app"
	"github.com/odyssey-erp/period-close/internal/closing"
	jobmetrics "github.com/odyssey-erp/period-close/internal/jobs"
	"github.com/odyssey-erp/period-close/internal/platform/cache"
	"github.com/odyssey-erp/period-close/internal/platform/db"
	"github.com/odyssey-erp/period-close/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobClient, err := jobs.NewClient(cfg.AsynqRedis(), cfg.ClosingQueue)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(cfg.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	closingRepo := closing.NewRepository(pool)
	ledgerRepo := closing.NewLedgerRepository(pool, cfg.ClosingExtraDimensions...)
	controller := closing.NewController(closing.ControllerConfig{
		Store:      closingRepo,
		Ledger:     ledgerRepo,
		Writer:     ledgerRepo,
		Dimensions: ledgerRepo,
		Dispatcher: &jobs.Dispatcher{Enqueuer: jobClient, Servers: inspector, Queue: cfg.ClosingQueue, Logger: logger},
		Locker:     cache.NewLocker(redisClient, logger),
		Metrics:    metrics,
		Logger:     logger,
		BurstSize:  cfg.ClosingBurst,
		LockTTL:    cfg.ClosingLockTTL,
	})
	closingJob := jobs.NewClosingJob(controller, jobClient, closingRepo, cfg.ClosingQueue, logger, metrics)

	var cron []jobs.CronRegistration
	if cfg.ClosingSweepCron != "" {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.ClosingSweepCron, Task: jobs.NewSweepTask(cfg.ClosingQueue)})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.AsynqRedis(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Queue:       cfg.ClosingQueue,
		Handlers:    closingJob.Handlers(),
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("queue", cfg.ClosingQueue), slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
