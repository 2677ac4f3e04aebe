package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskium/internal/bootstrap"
	"taskium/internal/cache"
	"taskium/internal/config"
	"taskium/internal/db"
	internalhttp "taskium/internal/http"
	"taskium/internal/logging"
	"taskium/internal/metrics"
	"taskium/internal/mining"
	"taskium/internal/payment"
	"taskium/internal/store"
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

	var redisCache *cache.Redis
	if cfg.Redis.Addr != "" {
		redisCache = cache.New(cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err := redisCache.Ping(ctx); err != nil {
			log.Fatalf("redis connect failed: %v", err)
		}
		defer redisCache.Close()
	}

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

	h := internalhttp.NewHandler(miningSvc, payments, st, redisCache)
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		logger.Info("api listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
