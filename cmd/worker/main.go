package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/halcyon-erp/halcyon-erp/internal/ap"
	"github.com/halcyon-erp/halcyon-erp/internal/app"
	"github.com/halcyon-erp/halcyon-erp/internal/platform/cache"
	"github.com/halcyon-erp/halcyon-erp/internal/platform/db"
	"github.com/halcyon-erp/halcyon-erp/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{
		MaxConns:        cfg.PGMaxConns,
		MaxConnLifetime: cfg.PGConnLifetime,
	})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	repo := ap.NewRepository(pool)
	service := ap.NewService(repo, logger)
	service.SetCache(ap.NewCache(redisClient, cfg.LedgerCacheTTL))

	refreshHandlers := jobs.NewSummaryRefreshHandlers(service, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    refreshHandlers.TaskHandlers(),
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SummaryCronSpec, Task: jobs.NewSummaryRebuildAllTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
