// Package main is the entry point for the Slideforge billing API server.
//
// It loads configuration, connects the database pool, wires the gateway
// client and domain services into the HTTP chassis, and serves until
// SIGINT/SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"slideforge/internal/api/handlers"
	"slideforge/internal/billing"
	"slideforge/internal/config"
	"slideforge/internal/core"
	"slideforge/internal/db"
	"slideforge/internal/gateway"
	"slideforge/internal/ledger"
	"slideforge/internal/metrics"
	"slideforge/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	store := db.NewStore(pool)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	gw := gateway.NewClient(cfg.Gateway, logger)
	plans := billing.NewStaticPlanRegistry()
	lifecycle := billing.NewManager(plans, logger)

	paymentSvc := billing.NewPaymentService(db.BillingStore{Store: store}, gw, plans, lifecycle, m, logger)
	subscriptionSvc := billing.NewSubscriptionService(db.BillingStore{Store: store}, gw, lifecycle, logger)
	ledgerSvc := ledger.NewService(db.LedgerStore{Store: store}, logger)
	sweeper := scheduler.NewSweeper(
		db.SchedulerStore{Store: store}, gw, plans, lifecycle, m,
		cfg.Scheduler.StalePendingAge, logger,
	)

	srv, err := core.NewServer(cfg, logger, m)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = []core.HealthProbe{db.NewHealthProbe(pool)}
	srv.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	paymentHandler := handlers.NewPaymentHandler(paymentSvc, srv.Validator, logger)
	subscriptionHandler := handlers.NewSubscriptionHandler(subscriptionSvc, srv.Validator, logger)
	creditHandler := handlers.NewCreditHandler(ledgerSvc, srv.Validator, logger)
	notificationHandler := handlers.NewNotificationHandler(store, srv.Validator, logger)
	srv.V1RouteRegistrars = []func(chi.Router){
		paymentHandler.RegisterRoutes,
		subscriptionHandler.RegisterRoutes,
		creditHandler.RegisterRoutes,
		notificationHandler.RegisterRoutes,
	}

	webhookHandler := handlers.NewWebhookHandler(paymentSvc, cfg.Gateway.WebhookSecret.Unmask(), logger)
	sweepHandler := handlers.NewSweepHandler(sweeper, cfg.Scheduler.SweepToken.Unmask(), logger)
	srv.UnauthenticatedRegistrars = []func(chi.Router){
		webhookHandler.RegisterRoutes,
		sweepHandler.RegisterRoutes,
	}

	srv.MountRoutes()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, ":"+cfg.Server.Port, cfg.Server.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}
