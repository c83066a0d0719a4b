package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed event ids for one consumer scope.
type Deduper struct {
	rdb   redis.Cmdable
	scope string
	ttl   time.Duration
}

func NewDeduper(rdb redis.Cmdable, scope string) *Deduper {
	return &Deduper{rdb: rdb, scope: scope, ttl: TTLDedup}
}

func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	return Exists(ctx, d.rdb, d.key(eventID))
}

func (d *Deduper) Mark(ctx context.Context, eventID string) error {
	return d.rdb.Set(ctx, d.key(eventID), "1", d.ttl).Err()
}

func (d *Deduper) key(eventID string) string {
	return fmt.Sprintf(KeyDedup, d.scope, eventID)
}
