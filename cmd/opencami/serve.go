package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"opencami/internal/adapter/api"
	"opencami/internal/adapter/gateway"
	"opencami/internal/adapter/store"
	"opencami/internal/domain"
	"opencami/internal/infra/config"
	"opencami/internal/infra/logger"
	"opencami/internal/infra/tracer"
	"opencami/internal/usecase"
)

func runServe(ctx context.Context, cfgPath string) error {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	shutdownTracer, err := tracer.Setup(cfg.Tracer, os.Stderr)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	// 3. Live config
	holder := config.NewHolder(cfgPath, cfg)
	if _, err := os.Stat(cfgPath); err == nil {
		watcher := config.NewWatcher(holder, log, func(next *config.Config) {
			log.Info("gateway settings updated", "url", next.Gateway.URL)
		})
		if err := watcher.Start(ctx); err != nil {
			log.Warn("config watcher disabled", "error", err)
		}
	}

	// 4. Gateway
	client := gateway.NewClient(&gateway.WebSocketDialer{Logger: log}, gateway.WithLogger(log))
	gw := usecase.NewGatewayService(client, holder.Get, cfg.Breaker, log)

	// 5. Cache
	var cache domain.PayloadCache
	if cfg.Cache.Enabled {
		c, err := store.NewSQLitePayloadCache(cfg.Cache.Path, cfg.Cache.MaxAge)
		if err != nil {
			log.Warn("payload cache disabled", "path", cfg.Cache.Path, "error", err)
		} else {
			cache = c
			defer c.Close()
		}
	}

	// 6. Use cases
	models := usecase.NewModelsService(gw, cache, log)
	followUps := usecase.NewFollowUpService(gw, cfg.FollowUps, usecase.NewTokenCounter(cfg.FollowUps.Encoding, log), log)
	health := usecase.NewHealthMonitor(gw, cfg.Health.Schedule, cfg.Gateway.Timeout, log)
	if cfg.Health.Enabled {
		if err := health.Start(ctx); err != nil {
			return fmt.Errorf("health: %w", err)
		}
		defer health.Stop()
	}

	// 7. HTTP API
	srv, err := api.NewServer(cfg.Server, api.Deps{
		Models:       models,
		FollowUps:    followUps,
		Health:       health,
		Config:       usecase.NewConfigProxy(gw),
		BreakerState: gw.BreakerState,
	}, log)
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	log.Info("opencami serving", "addr", srv.BoundAddr(), "gateway", cfg.Gateway.URL)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("http shutdown error", "error", err)
	}
	log.Info("opencami stopped")
	return nil
}
