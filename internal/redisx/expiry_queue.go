package redisx

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ExpiryQueue holds pending-order deadlines in a sorted set scored by unix
// time. Several sweepers may pop concurrently; ZREM decides who owns an entry.
type ExpiryQueue struct {
	rdb redis.Cmdable
	key string
}

func NewExpiryQueue(rdb redis.Cmdable) *ExpiryQueue {
	return &ExpiryQueue{rdb: rdb, key: KeyExpiryQueue}
}

// Schedule keeps the first deadline recorded for an order.
func (q *ExpiryQueue) Schedule(ctx context.Context, orderID string, deadline time.Time) error {
	return q.rdb.ZAddNX(ctx, q.key, redis.Z{Score: float64(deadline.Unix()), Member: orderID}).Err()
}

// Reschedule overwrites the deadline, used to retry an order later.
func (q *ExpiryQueue) Reschedule(ctx context.Context, orderID string, deadline time.Time) error {
	return q.rdb.ZAdd(ctx, q.key, redis.Z{Score: float64(deadline.Unix()), Member: orderID}).Err()
}

// PopDue claims up to limit orders whose deadline is at or before now.
func (q *ExpiryQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := q.rdb.ZRem(ctx, q.key, id).Result()
		if err != nil {
			return claimed, err
		}
		if n == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}
