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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/yieldvault/distribution-engine/internal/alert"
	"github.com/yieldvault/distribution-engine/internal/api"
	"github.com/yieldvault/distribution-engine/internal/config"
	"github.com/yieldvault/distribution-engine/internal/distribution"
	"github.com/yieldvault/distribution-engine/internal/events"
	"github.com/yieldvault/distribution-engine/internal/health"
	"github.com/yieldvault/distribution-engine/internal/lease"
	"github.com/yieldvault/distribution-engine/internal/scheduler"
	"github.com/yieldvault/distribution-engine/internal/settlement"
	"github.com/yieldvault/distribution-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("YIELD_CONFIG_FILE"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	ctx := context.Background()

	// --- Initialize stores ---
	var st store.Store
	var batches store.BatchStore

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("ledger migration failed", "err", err)
			os.Exit(1)
		}
		st = pg

		gdb, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{})
		if err != nil {
			slog.Error("batch store connection failed", "err", err)
			os.Exit(1)
		}
		if sqlDB, err := gdb.DB(); err == nil {
			cleanup = append(cleanup, func() { sqlDB.Close() })
		}
		gb := store.NewGormBatchStore(gdb, logger)
		if err := gb.Migrate(ctx); err != nil {
			slog.Error("batch store migration failed", "err", err)
			os.Exit(1)
		}
		batches = gb
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database url not set, using in-memory stores (data will not persist)")
		st = store.NewMemoryStore()
		batches = store.NewMemoryBatchStore()
	}

	// Redis backs the product cache and the cross-instance day lease.
	var locker lease.Locker = lease.NewMemory()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		locker = lease.NewRedis(rdb)
		slog.Info("Redis cache and day lease enabled")
	}

	// --- Event publishing ---
	var publisher events.Publisher = events.LogPublisher{Logger: logger}
	if cfg.AMQP.URL != "" {
		rmq, err := events.NewRabbitMQPublisher(cfg.AMQP.URL, cfg.AMQP.Queue, logger)
		if err != nil {
			slog.Error("rabbitmq connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, rmq.Close)
		publisher = rmq
	}
	alerter := alert.PublishingAlerter{Log: alert.LogAlerter{Logger: logger}, Publisher: publisher}

	// --- Settlement and health gate ---
	settler := settlement.NewSimulated(cfg.SettlementConfig())
	gate := health.NewGate(logger, cfg.Health.CheckTimeout,
		health.SettlementNetwork(settler),
		health.FeeReserve(settler, cfg.MinFeeReserve()),
		health.Ledger(st),
	)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Distribution engine ---
	orch := distribution.NewOrchestrator(cfg.DistributionConfig(), distribution.Deps{
		Store:      st,
		Batches:    batches,
		Settlement: settler,
		Gate:       gate,
		Locker:     locker,
		Alerter:    alerter,
		Publisher:  publisher,
		Notifier:   wsHub,
		Logger:     logger,
	})
	sched, err := scheduler.New(scheduler.Config{
		Schedule:              cfg.Distribution.Schedule,
		Location:              cfg.Location(),
		HealthMonitorInterval: cfg.Health.MonitorInterval,
	}, orch, gate, alerter, logger)
	if err != nil {
		slog.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}
	sched.Start(ctx)

	// --- Outbox relay ---
	relayCtx, stopRelay := context.WithCancel(ctx)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		events.Relay{
			Outbox:    st,
			Publisher: publisher,
			BatchSize: cfg.Outbox.BatchSize,
			Logger:    logger,
		}.Run(relayCtx, cfg.Outbox.RelayInterval)
	}()

	// --- HTTP router ---
	h := api.NewHandler(sched, gate)
	router := api.NewRouter(h, wsHub, api.RouterConfig{
		AllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("distribution-engine listening",
			"addr", cfg.HTTP.Addr,
			"schedule", cfg.Distribution.Schedule,
			"timezone", cfg.Distribution.Timezone,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	slog.Info("shutting down distribution-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	sched.Stop()
	stopRelay()
	<-relayDone
	wsHub.Stop()
	fmt.Println("distribution-engine stopped")
}
