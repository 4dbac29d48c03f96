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

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"

	"github.com/tradeslead/backend/internal/auth"
	"github.com/tradeslead/backend/internal/budget"
	"github.com/tradeslead/backend/internal/checkout"
	"github.com/tradeslead/backend/internal/config"
	"github.com/tradeslead/backend/internal/database"
	"github.com/tradeslead/backend/internal/events"
	"github.com/tradeslead/backend/internal/ledger"
	"github.com/tradeslead/backend/internal/pricing"
	"github.com/tradeslead/backend/internal/reporting"
	"github.com/tradeslead/backend/internal/router"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("Migrations failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	// Pricing
	registry := pricing.NewRegistry(cfg.DefaultSettings(), pricing.NewPostgresRepository(pool), logger)
	if err := registry.Load(ctx); err != nil {
		slog.Error("Failed to load pricing", "error", err)
		os.Exit(1)
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		notifier := pricing.NewRedisNotifier(rdb, cfg.PricingChannel)
		registry.SetNotifier(notifier)
		go notifier.Listen(ctx, registry, logger)
		slog.Info("Pricing change notifications enabled", "channel", cfg.PricingChannel)
	} else {
		slog.Warn("REDIS_URL not set, pricing changes will not reach other instances")
	}

	// Events
	var publisher events.Publisher = &events.Fallback{Log: logger}
	if cfg.RabbitMQURL != "" {
		producer, err := events.NewProducer(cfg.RabbitMQURL, cfg.EventExchange, logger)
		if err != nil {
			slog.Warn("RabbitMQ unavailable, events will only be logged", "error", err)
		} else {
			publisher = producer
		}
	}
	defer publisher.Close()

	// Ledger and checkout
	ledgerStore := ledger.NewRepository(pool)
	budgetSvc := budget.NewService(ledgerStore, registry, budget.Options{
		Publisher:                 publisher,
		Log:                       logger,
		RefundRestoresWeeklySpend: cfg.RefundRestoresWeeklySpend,
	})
	checkoutMgr := checkout.NewManager(checkout.NewRepository(pool), registry, budgetSvc, checkout.Config{
		Timeout:   cfg.CheckoutSessionTimeout,
		Tokens:    checkout.NewSigner(cfg.CheckoutTokenSecret),
		Webhooks:  checkout.NewSigner(cfg.WebhookSecret),
		Publisher: publisher,
		Log:       logger,
	})
	budgetSvc.SetCardCheckout(checkoutMgr)

	// Session sweep
	workers := river.NewWorkers()
	river.AddWorker(workers, checkout.NewExpireSessionsWorker(checkoutMgr, logger))
	riverClient, err := river.NewClient[pgx.Tx](riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers:      workers,
		PeriodicJobs: checkout.PeriodicJobs(cfg.SessionSweepInterval, cfg.SessionSweepBatch),
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}

	reportingSvc := reporting.NewService(ledgerStore, reporting.Options{Publisher: publisher, Log: logger})
	api := router.New(newHandlers(budgetSvc, checkoutMgr, registry, reportingSvc, logger), auth.NewService(cfg.JWTSecret), logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Origins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(api)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.ServerPort,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown", "error", err)
	}
}
