// Package app wires the checkout core from configuration. The api and
// sweeper binaries share it so both run the same order and settlement rules.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/catalog"
	"github.com/sokoby/checkout/internal/config"
	"github.com/sokoby/checkout/internal/gateway"
	"github.com/sokoby/checkout/internal/inventory"
	kafkax "github.com/sokoby/checkout/internal/kafka"
	"github.com/sokoby/checkout/internal/orders"
	"github.com/sokoby/checkout/internal/payments"
	"github.com/sokoby/checkout/internal/postgres"
	"github.com/sokoby/checkout/internal/redisx"
	"github.com/sokoby/checkout/internal/sweeper"
)

const producerBuffer = 1024

type App struct {
	Cfg   config.Config
	Log   *zap.Logger
	Redis *redis.Client

	Ledger     *inventory.Ledger
	Orders     *orders.Service
	Payments   *payments.Service
	Settlement *payments.Settlement
	Cache      *redisx.StatusCache
	Queue      *redisx.ExpiryQueue

	closers []func()
}

type stores struct {
	inventory inventory.Store
	orders    orders.Store
	payments  payments.Store
	catalog   orders.Catalog
	// demo is set for the memory backend only.
	demo *catalog.Memory
}

// Build connects the backing services and assembles the core. Close releases
// everything Build opened, in reverse order.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	a.Redis = redisx.New(cfg.RedisAddr)
	a.onClose(func() { _ = a.Redis.Close() })
	if err := redisx.Ping(ctx, a.Redis); err != nil {
		// cache, dedup and idempotency all fail open
		log.Warn("redis unavailable at startup", zap.Error(err))
	}

	st, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	placed := a.producer(orders.TopicOrderPlaced)
	status := a.producer(orders.TopicOrderStatus)
	settled := a.producer(orders.TopicPaymentSettled)

	gw := gateway.New(gateway.Config{
		BaseURL:    cfg.GatewayBaseURL,
		APIKey:     cfg.GatewayAPIKey,
		Timeout:    cfg.GatewayTimeout,
		RetryCount: cfg.GatewayRetries,
	}, log)

	a.Cache = redisx.NewStatusCache(a.Redis, log)
	a.Queue = redisx.NewExpiryQueue(a.Redis)
	a.Ledger = inventory.NewLedger(st.inventory, log)
	a.Payments = payments.NewService(st.payments, gw, cfg.SuccessURL, cfg.CancelURL, log)
	a.Orders = orders.NewService(orders.Deps{
		Store:     st.orders,
		Catalog:   st.catalog,
		Inventory: a.Ledger,
		Checkout:  a.Payments,
		Placed:    placed,
		Status:    status,
		Cache:     a.Cache,
		Log:       log,
		Producer:  cfg.ServiceName,
	})
	a.Settlement = payments.NewSettlement(payments.SettlementDeps{
		Store:     st.payments,
		Orders:    a.Orders,
		Gateway:   gw,
		Publisher: settled,
		Producer:  cfg.ServiceName,
		Log:       log,
	})

	if st.demo != nil {
		if err := seedDemo(ctx, st.demo, a.Ledger, cfg.Currency); err != nil {
			a.Close()
			return nil, fmt.Errorf("seed demo catalog: %w", err)
		}
		log.Info("memory backend seeded", zap.String("store_id", DemoStoreID))
	}
	return a, nil
}

// Sweeper expires orders left PENDING past the configured TTL.
func (a *App) Sweeper() *sweeper.Sweeper {
	return sweeper.New(a.Queue, a.Settlement, a.Orders, sweeper.Config{
		TTL:      a.Cfg.PendingOrderTTL,
		Interval: a.Cfg.SweepInterval,
		Workers:  a.Cfg.SweeperWorkers,
	}, a.Log)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *App) producer(topic string) *kafkax.Producer {
	p := kafkax.NewProducer(a.Cfg.KafkaBrokers, topic, producerBuffer, a.Log)
	p.Start()
	a.onClose(p.Close)
	return p
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	if a.Cfg.StoreBackend == "memory" {
		cat := catalog.NewMemory()
		return stores{
			inventory: inventory.NewMemoryStore(),
			orders:    orders.NewMemoryStore(),
			payments:  payments.NewMemoryStore(),
			catalog:   cat,
			demo:      cat,
		}, nil
	}

	db, err := postgres.Connect(ctx, a.Cfg.PostgresDSN)
	if err != nil {
		return stores{}, err
	}
	a.onClose(db.Close)
	if a.Cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			return stores{}, err
		}
		a.Log.Info("schema applied")
	}
	return stores{
		inventory: &inventory.PGStore{DB: db},
		orders:    &orders.PGStore{DB: db},
		payments:  &payments.PGStore{DB: db},
		catalog:   &catalog.PGCatalog{DB: db},
	}, nil
}
