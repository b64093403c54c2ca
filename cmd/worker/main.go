package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/soundledger/soundledger/internal/app"
	"github.com/soundledger/soundledger/internal/fees"
	"github.com/soundledger/soundledger/internal/fx"
	"github.com/soundledger/soundledger/internal/observability"
	"github.com/soundledger/soundledger/internal/platform/cache"
	"github.com/soundledger/soundledger/internal/platform/db"
	"github.com/soundledger/soundledger/internal/rates"
	"github.com/soundledger/soundledger/internal/recoupment"
	"github.com/soundledger/soundledger/internal/statements"
	"github.com/soundledger/soundledger/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
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

	metrics := observability.NewMetrics()

	resolver := rates.NewResolver(rates.DefaultRateTable(), rates.NewRepository(pool), logger)
	normalizer := fx.NewNormalizer(fx.NewRepository(pool), logger, metrics)
	locker := recoupment.NewLocker(redisClient, 30*time.Second, metrics)
	waterfall := recoupment.NewService(recoupment.NewRepository(pool), locker, logger, metrics)

	statementRepo := statements.NewRepository(pool)
	statementService := statements.NewService(statements.Params{
		Events:       statements.NewEventStore(pool),
		Repo:         statementRepo,
		Tiers:        statements.NewTierSource(pool),
		Resolver:     resolver,
		Normalizer:   normalizer,
		Schedule:     fees.DefaultSchedule(),
		Waterfall:    waterfall,
		Logger:       logger,
		Metrics:      metrics,
		MaxEventRows: cfg.StatementMaxEvents,
	})

	statementRun := jobs.NewStatementRunJob(statementService, statementRepo, logger)
	fxScan := jobs.NewFxStalenessJob(fx.NewRepository(pool), logger)

	runTask, err := jobs.NewStatementRunTask(jobs.StatementRunPayload{})
	if err != nil {
		logger.Error("build statement run task", slog.Any("error", err))
		os.Exit(1)
	}
	fxTask, err := jobs.NewFxStalenessTask(jobs.FxStalenessPayload{MaxAgeHours: int(cfg.FxMaxAge.Hours())})
	if err != nil {
		logger.Error("build fx staleness task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStatementRun, Handler: statementRun.Handle},
			{Type: jobs.TaskFxStalenessScan, Handler: fxScan.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.StatementRunCron, Task: runTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.FxStalenessCron, Task: fxTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
