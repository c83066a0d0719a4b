package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/app"
	"github.com/sokoby/checkout/internal/config"
	"github.com/sokoby/checkout/internal/httpx"
	"github.com/sokoby/checkout/internal/redisx"
	"github.com/sokoby/checkout/internal/telemetry"
	"github.com/sokoby/checkout/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := telemetry.NewLogger(cfg.ServiceName, cfg.Dev())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OtelEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(ctx); err != nil {
			logger.Warn("otel shutdown", zap.Error(err))
		}
	}()

	core, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	// producers flush after the server has drained
	defer core.Close()

	ingress := webhook.NewIngress(
		webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance),
		core.Settlement,
		redisx.NewDeduper(core.Redis, "webhook"),
		logger,
	)

	router := httpx.NewRouter(logger)
	(&httpx.OrdersHandler{
		Orders:   core.Orders,
		Payments: core.Payments,
		Cache:    core.Cache,
		Idem:     redisx.NewIdempotency(core.Redis),
		Log:      logger,
	}).Register(router)
	(&httpx.WebhookHandler{Ingress: ingress, Log: logger}).Register(router)

	// Orders held in memory are invisible to cmd/sweeper.
	if cfg.StoreBackend == "memory" {
		go core.Sweeper().Run(ctx)
		logger.Info("in-process sweeper started", zap.Duration("ttl", cfg.PendingOrderTTL))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store_backend", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
