package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/app"
	"github.com/sokoby/checkout/internal/config"
	kafkax "github.com/sokoby/checkout/internal/kafka"
	"github.com/sokoby/checkout/internal/orders"
	"github.com/sokoby/checkout/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	cfg.ServiceName += "-sweeper"
	logger, err := telemetry.NewLogger(cfg.ServiceName, cfg.Dev())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("sweeper stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.StoreBackend != "postgres" {
		return errors.New("sweeper needs STORE_BACKEND=postgres; the api sweeps in-process otherwise")
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
	defer core.Close()

	sw := core.Sweeper()
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.SweeperGroup, orders.TopicOrderPlaced, cfg.SweeperWorkers, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logger.Info("order.placed consumer started",
			zap.String("group", cfg.SweeperGroup), zap.Int("workers", cfg.SweeperWorkers))
		if err := cons.Start(ctx, sw.HandleOrderPlaced); err != nil {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		sw.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutting down sweeper")
	wg.Wait()
	return nil
}
