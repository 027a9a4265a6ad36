package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/halcyon-erp/halcyon-erp/internal/ap"
	"github.com/halcyon-erp/halcyon-erp/internal/app"
	"github.com/halcyon-erp/halcyon-erp/internal/observability"
	"github.com/halcyon-erp/halcyon-erp/internal/platform/cache"
	"github.com/halcyon-erp/halcyon-erp/internal/platform/db"
	"github.com/halcyon-erp/halcyon-erp/internal/shared"
	"github.com/halcyon-erp/halcyon-erp/jobs"
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

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	repo := ap.NewRepository(pool)
	service := ap.NewService(repo, logger)
	service.SetAuditor(shared.NewAuditLogger(pool))
	service.SetRefresher(jobsClient)
	service.SetMetrics(metrics)
	service.SetCache(ap.NewCache(redisClient, cfg.LedgerCacheTTL))

	handler := ap.NewHandler(logger, service)

	router := app.NewRouter(app.RouterParams{
		Logger:    logger,
		Config:    cfg,
		APHandler: handler,
		Metrics:   metrics,
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
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
