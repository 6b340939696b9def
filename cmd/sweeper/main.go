// Package main runs one sweep over the subscription set and exits. It is
// intended for cron; the same sweep is reachable over HTTP at
// POST /internal/sweep.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"slideforge/internal/billing"
	"slideforge/internal/config"
	"slideforge/internal/db"
	"slideforge/internal/gateway"
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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("sweeper starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	store := db.NewStore(pool)
	gw := gateway.NewClient(cfg.Gateway, logger)
	plans := billing.NewStaticPlanRegistry()
	lifecycle := billing.NewManager(plans, logger)

	sweeper := scheduler.NewSweeper(
		db.SchedulerStore{Store: store}, gw, plans, lifecycle, nil,
		cfg.Scheduler.StalePendingAge, logger,
	)

	summary, err := sweeper.Run(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweep run: %w", err)
	}

	// A machine-readable summary line lets the cron wrapper alert on the
	// error count.
	out, _ := json.Marshal(summary)
	fmt.Println(string(out))
	return nil
}
