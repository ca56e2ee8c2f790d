package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/parahub/parahub/internal/app"
	jobmetrics "github.com/parahub/parahub/internal/jobs"
	"github.com/parahub/parahub/internal/platform/cache"
	"github.com/parahub/parahub/internal/platform/db"
	"github.com/parahub/parahub/internal/rbac"
	"github.com/parahub/parahub/jobs"
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

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	invalidator := cache.NewInvalidator(redisClient, logger)

	cacheOpts := rbac.CacheOptions{TTL: cfg.AccessCacheTTL, Logger: logger}
	rbacRepo := rbac.NewRepository(pool)
	registry := rbac.NewRegistry(rbacRepo, cacheOpts)
	catalog := rbac.NewCatalog(rbacRepo, registry, cacheOpts)
	assignments := rbac.NewAssignmentService(rbacRepo, catalog, registry, invalidator, logger)

	seedJob := jobs.NewSeedPresetsJob(catalog, invalidator, logger, metrics)
	expireJob := jobs.NewExpireAssignmentsJob(assignments, logger, metrics)

	expireTask, err := jobs.NewExpireAssignmentsTask(jobs.ExpireAssignmentsPayload{})
	if err != nil {
		logger.Error("build expire task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSeedPresets, Handler: seedJob.Handle},
			{Type: jobs.TaskExpireAssignments, Handler: expireJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ExpireCron, Task: expireTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
