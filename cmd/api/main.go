package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shiwuteam/shiwu-backend/api"
	"github.com/shiwuteam/shiwu-backend/internal/checkout"
	"github.com/shiwuteam/shiwu-backend/internal/ledger"
	"github.com/shiwuteam/shiwu-backend/internal/orders"
	"github.com/shiwuteam/shiwu-backend/internal/payments"
	"github.com/shiwuteam/shiwu-backend/internal/reconciler"
	"github.com/shiwuteam/shiwu-backend/internal/refunds"
	"github.com/shiwuteam/shiwu-backend/pkg/config"
	"github.com/shiwuteam/shiwu-backend/pkg/db"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
	"github.com/shiwuteam/shiwu-backend/pkg/metrics"
	"github.com/shiwuteam/shiwu-backend/pkg/migrate"
	"github.com/shiwuteam/shiwu-backend/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	registry := prometheus.NewRegistry()
	sweepMetrics := metrics.NewSweepMetrics(registry)

	repo := ledger.NewRepository(dbClient.DB())
	catalog := newLoggingCatalog(logg)

	refundSvc, err := refunds.NewService(refunds.Params{Repo: repo, Logger: logg})
	if err != nil {
		logg.Error(context.Background(), "failed to create refund service", err)
		os.Exit(1)
	}
	paymentSvc, err := payments.NewService(payments.Params{
		Repo:         repo,
		Tx:           dbClient,
		Logger:       logg,
		Catalog:      catalog,
		ExpiryWindow: cfg.Reconciler.ExpiryWindow,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment service", err)
		os.Exit(1)
	}
	orderSvc, err := orders.NewService(orders.Params{
		Repo:    repo,
		Tx:      dbClient,
		Logger:  logg,
		Refunds: refundSvc,
		Ratings: loggingRatings{logg: logg},
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create order service", err)
		os.Exit(1)
	}
	facade, err := checkout.NewFacade(checkout.Params{
		Repo:     repo,
		Tx:       dbClient,
		Logger:   logg,
		Orders:   orderSvc,
		Payments: paymentSvc,
		Expirer:  paymentSvc,
		Catalog:  catalog,
		Audit:    loggingAudit{logg: logg},
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create checkout facade", err)
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

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: api.NewRouter(cfg, logg, dbClient, registry, facade, sweeper),
	}

	sweeper.Start()
	defer sweeper.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		logg.Info(ctx, "shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "server shutdown failed", err)
		}
	}

	logg.Info(ctx, "api server shutting down gracefully")
}
