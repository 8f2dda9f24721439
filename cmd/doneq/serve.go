package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/felipemaragno/doneq/internal/activator"
	"github.com/felipemaragno/doneq/internal/config"
	"github.com/felipemaragno/doneq/internal/delivery"
	"github.com/felipemaragno/doneq/internal/ingress"
	"github.com/felipemaragno/doneq/internal/logstore"
	"github.com/felipemaragno/doneq/internal/observability"
	"github.com/felipemaragno/doneq/internal/queue"
	"github.com/felipemaragno/doneq/internal/queue/outboxqueue"
	"github.com/felipemaragno/doneq/internal/queue/redisqueue"
	"github.com/felipemaragno/doneq/internal/resilience"
	"github.com/felipemaragno/doneq/internal/state"
	"github.com/felipemaragno/doneq/internal/stats"
	"github.com/felipemaragno/doneq/internal/store"
	"github.com/felipemaragno/doneq/internal/store/kvstore"
	"github.com/felipemaragno/doneq/internal/store/sqlstore"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingress server, state manager, and daily activator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}
	if os.Getenv("AUTH_TOKEN") == "" {
		logger.Warn("AUTH_TOKEN not set, generated a random token for this run", "auth_token", cfg.AuthToken)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		ms       store.MessageStore
		logs     logstore.LogStore
		statsSvc stats.Service
		durable  queue.Queue
		pinger   observability.HealthChecker
	)

	metrics := observability.NewMetrics("doneq")
	breakers := resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig())
	limiters := resilience.NewRateLimiterManager(resilience.DefaultRateLimiterConfig())
	breakers.OnStateChange(func(destination string, from, to resilience.CircuitBreakerState) {
		logger.Warn("circuit breaker state change", "destination", destination, "from", from, "to", to)
		gaugeValue := 0.0
		switch to {
		case resilience.CircuitBreakerStateHalfOpen:
			gaugeValue = 1
		case resilience.CircuitBreakerStateOpen:
			gaugeValue = 2
			metrics.CircuitBreakerTrips.Inc()
		}
		metrics.CircuitBreakerState.Set(gaugeValue)
	})

	switch cfg.StorageType {
	case config.StorageKV:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to parse REDIS_URL", "error", err)
			return err
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("failed to ping redis", "error", err)
			return err
		}
		kv := kvstore.New(rdb)
		ms = kv
		logs = logstore.NewRedis(rdb)
		statsSvc = stats.NewRedis(rdb)
		durable = redisqueue.New(rdb, cfg.RetryPollInterval, logger)
		pinger = kv
	case config.StorageTurso:
		sq, err := sqlstore.Open(cfg.TursoDBURL)
		if err != nil {
			logger.Error("failed to open sql store", "error", err)
			return err
		}
		ms = sq
		logs = logstore.NewSQL(sq.DB(), sq.Placeholder)
		statsSvc = stats.NewSQL(sq.DB(), sq.Placeholder)
		durable = outboxqueue.New(sq.DB(), outboxqueue.Dialect(sq.Dialect()), cfg.RetryPollInterval, logger)
		pinger = sq
	default:
		err := fmt.Errorf("unrecognized STORAGE_TYPE %q", cfg.StorageType)
		logger.Error(err.Error())
		return err
	}
	defer durable.Close()

	worker := delivery.New(nil,
		delivery.WithRateLimiter(limiters),
		delivery.WithCircuitBreaker(breakers),
	)

	manager := state.New(ms, statsSvc, durable, worker, logger, state.WithLogging(logs, cfg.EnableLogs))

	healthHandler := observability.NewHealthHandler(pinger)
	handler := ingress.NewHandler(manager, ms, logs, statsSvc, realClock{}, logger)
	router := ingress.NewRouter(ingress.RouterConfig{
		Handler:       handler,
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
		AuthToken:     cfg.AuthToken,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("state manager stopped unexpectedly", "error", err)
		}
	}()

	dailyActivator := activator.New(ms, manager.Advance, cfg.ActivatorCron, logger)
	if err := dailyActivator.Start(ctx); err != nil {
		logger.Error("failed to start daily activator", "error", err)
		return err
	}
	defer dailyActivator.Stop()

	healthHandler.SetReady(true)

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down HTTP server", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
