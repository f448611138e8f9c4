package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shiwuteam/shiwu-backend/internal/ledger"
	"github.com/shiwuteam/shiwu-backend/internal/payments"
	"github.com/shiwuteam/shiwu-backend/internal/reconciler"
	"github.com/shiwuteam/shiwu-backend/pkg/config"
	"github.com/shiwuteam/shiwu-backend/pkg/db"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
	"github.com/shiwuteam/shiwu-backend/pkg/metrics"
	"github.com/shiwuteam/shiwu-backend/pkg/migrate"
	"github.com/shiwuteam/shiwu-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "reconciler-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "reconciler-worker"

	logg = logger.New(logger.Options{
		ServiceName: "reconciler-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	sweepMetrics := metrics.NewSweepMetrics(prometheus.DefaultRegisterer)

	repo := ledger.NewRepository(dbClient.DB())
	paymentSvc, err := payments.NewService(payments.Params{
		Repo:         repo,
		Tx:           dbClient,
		Logger:       logg,
		Catalog:      noopCatalog{},
		ExpiryWindow: cfg.Reconciler.ExpiryWindow,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment service", err)
		os.Exit(1)
	}

	lock, err := reconciler.NewRedisLock(redisClient, redisClient.LockKey("reconciler"), cfg.Reconciler.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciler lock", err)
		os.Exit(1)
	}
	sweeper, err := reconciler.NewService(reconciler.Params{
		Store:         repo,
		Payments:      paymentSvc,
		Logger:        logg,
		Metrics:       sweepMetrics,
		Lock:          lock,
		Interval:      cfg.Reconciler.SweepInterval,
		BatchSize:     cfg.Reconciler.SweepBatchSize,
		ShutdownGrace: cfg.Reconciler.ShutdownGrace,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciler", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting reconciler worker")

	sweeper.Start()
	<-ctx.Done()
	sweeper.Stop()

	logg.Info(ctx, "reconciler worker shutting down gracefully")
}
