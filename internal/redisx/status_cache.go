package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type OrderStatus struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCache is a read-through cache of order status. It is only ever a
// shortcut: writers invalidate, readers refill from the database.
type StatusCache struct {
	rdb redis.Cmdable
	log *zap.Logger
}

func NewStatusCache(rdb redis.Cmdable, log *zap.Logger) *StatusCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusCache{rdb: rdb, log: log}
}

// Get reports ok=false on a miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (OrderStatus, bool, error) {
	raw, err := c.rdb.Get(ctx, key(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return OrderStatus{}, false, nil
	}
	if err != nil {
		return OrderStatus{}, false, err
	}
	var st OrderStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return OrderStatus{}, false, fmt.Errorf("decode cached status of %s: %w", orderID, err)
	}
	return st, true, nil
}

func (c *StatusCache) Set(ctx context.Context, st OrderStatus) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(st.OrderID), b, TTLStatusCache).Err()
}

// Invalidate drops the cached status. Failures are logged; the entry then
// expires on its own TTL.
func (c *StatusCache) Invalidate(ctx context.Context, orderID string) {
	if err := c.rdb.Del(ctx, key(orderID)).Err(); err != nil {
		c.log.Warn("status cache invalidate failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func key(orderID string) string { return fmt.Sprintf(KeyOrderStatus, orderID) }
