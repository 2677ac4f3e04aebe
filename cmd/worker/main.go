package main

import (
	"context"
	"log"
	"time"

	"taskium/internal/bootstrap"
	"taskium/internal/config"
	"taskium/internal/db"
	"taskium/internal/logging"
	"taskium/internal/metrics"
	"taskium/internal/mining"
	"taskium/internal/payment"
	"taskium/internal/payment/bnb"
	"taskium/internal/store"
	"taskium/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger := logging.NewLogger(cfg.Log.Level)

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	m := metrics.Registry("taskium")

	settings, err := bootstrap.MiningSettings(cfg)
	if err != nil {
		log.Fatalf("mining settings invalid: %v", err)
	}
	miningSvc := mining.NewService(st, settings, m, logger)

	gateways, err := bootstrap.Gateways(cfg, st)
	if err != nil {
		log.Fatalf("gateway setup failed: %v", err)
	}
	payments := payment.NewManager(st, gateways, m, logger,
		time.Duration(cfg.Polling.IntervalSeconds)*time.Second, cfg.Polling.MaxAttempts)

	var heads *bnb.HeadSubscriber
	if cfg.BNB.WSEndpoint != "" {
		heads = bnb.NewHeadSubscriber(cfg.BNB.WSEndpoint)
	}

	w := &worker.Worker{
		Mining:   miningSvc,
		Payments: payments,
		Heads:    heads,
		Interval: time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
		Logger:   logger,
	}

	logger.Info("worker started", "interval_seconds", cfg.Worker.IntervalSeconds)
	w.Run(ctx)
}
