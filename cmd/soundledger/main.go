package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
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
	"github.com/soundledger/soundledger/internal/splits"
	"github.com/soundledger/soundledger/internal/statements"
	"github.com/soundledger/soundledger/jobs"
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

	splitService := splits.NewService(splits.NewRepository(pool), waterfall, logger)

	statementService := statements.NewService(statements.Params{
		Events:       statements.NewEventStore(pool),
		Repo:         statements.NewRepository(pool),
		Tiers:        statements.NewTierSource(pool),
		Resolver:     resolver,
		Normalizer:   normalizer,
		Schedule:     fees.DefaultSchedule(),
		Waterfall:    waterfall,
		Logger:       logger,
		Metrics:      metrics,
		MaxEventRows: cfg.StatementMaxEvents,
	})

	statementsHandler := statements.NewHandler(logger, statementService, waterfall, splitService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		StatementsHandler: statementsHandler,
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
