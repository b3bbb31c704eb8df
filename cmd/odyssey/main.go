package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/period-close/cmd/odyssey/cli"
	"github.com/odyssey-erp/period-close/internal/app"
	"github.com/odyssey-erp/period-close/internal/closing"
	closinghttp "github.com/odyssey-erp/period-close/internal/closing/http"
	jobmetrics "github.com/odyssey-erp/period-close/internal/jobs"
	"github.com/odyssey-erp/period-close/internal/observability"
	"github.com/odyssey-erp/period-close/internal/platform/cache"
	"github.com/odyssey-erp/period-close/internal/platform/db"
	"github.com/odyssey-erp/period-close/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	root := &cobra.Command{
		Use:           "odyssey",
		Short:         "Period closing API server and operator commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), stop, cfg, logger)
		},
	}
	root.AddCommand(operatorCommands(cfg)...)

	if err := root.ExecuteContext(ctx); err != nil {
		code := 1
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.Code
		}
		if exitErr == nil || exitErr.Err != nil {
			logger.Error("odyssey", slog.Any("error", err))
		}
		os.Exit(code)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	closingMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	closingRepo := closing.NewRepository(dbpool)
	ledgerRepo := closing.NewLedgerRepository(dbpool, cfg.ClosingExtraDimensions...)
	if err := metrics.RegisterJobStatus(closingRepo.CountJobsByStatus); err != nil {
		logger.Warn("register closing job gauge", slog.Any("error", err))
	}

	inspector := asynq.NewInspector(cfg.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(cfg.AsynqRedis(), cfg.ClosingQueue)
	if err != nil {
		return fmt.Errorf("init job client: %w", err)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	controller := closing.NewController(closing.ControllerConfig{
		Store:      closingRepo,
		Ledger:     ledgerRepo,
		Writer:     ledgerRepo,
		Dimensions: ledgerRepo,
		Dispatcher: &jobs.Dispatcher{Enqueuer: jobClient, Servers: inspector, Queue: cfg.ClosingQueue, Logger: logger},
		Locker:     cache.NewLocker(redisClient, logger),
		Metrics:    closingMetrics,
		Logger:     logger,
		BurstSize:  cfg.ClosingBurst,
		LockTTL:    cfg.ClosingLockTTL,
	})
	if cfg.InlineDispatch() {
		logger.Info("closing units run inline")
		controller.WithDispatcher(closing.InlineDispatcher{Controller: controller})
	}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		ClosingHandler: closinghttp.NewHandler(logger, controller, cfg.AppRateLimit),
		JobHandler:     jobs.NewHandler(inspector, cfg.ClosingQueue, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// operatorCommands builds the commands that run instead of the server.
func operatorCommands(cfg *app.Config) []*cobra.Command {
	jobsCmd := cli.NewJobsCommand(func() (*cli.JobsCLI, error) {
		return cli.NewJobsCLI(cfg.AsynqRedis(), cfg.ClosingQueue)
	})
	closingCmd := cli.NewClosingCommand(func(ctx context.Context) (cli.JobReader, func(), error) {
		pool, err := db.New(ctx, cfg.PGDSN, 2)
		if err != nil {
			return nil, nil, err
		}
		return closing.NewRepository(pool), pool.Close, nil
	})
	return []*cobra.Command{jobsCmd, closingCmd}
}
