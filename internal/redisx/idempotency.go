package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const inFlight = "in-flight"

var ErrInFlight = errors.New("request with this idempotency key is still in progress")

// Idempotency stores the response of a completed order placement under the
// client's idempotency key.
type Idempotency struct {
	rdb redis.Cmdable
}

func NewIdempotency(rdb redis.Cmdable) *Idempotency {
	return &Idempotency{rdb: rdb}
}

// StoredResponse is what a replayed request gets back, byte for byte.
type StoredResponse struct {
	Status   int             `json:"status"`
	Location string          `json:"location,omitempty"`
	Body     json.RawMessage `json:"body"`
}

// Claim reserves key for the caller. If a completed response already exists
// it is returned instead; a concurrent claim yields ErrInFlight.
func (i *Idempotency) Claim(ctx context.Context, key string) (stored StoredResponse, claimed bool, err error) {
	k := fmt.Sprintf(KeyIdemOrderPlace, key)
	ok, err := i.rdb.SetNX(ctx, k, inFlight, TTLInFlight).Result()
	if err != nil {
		return StoredResponse{}, false, err
	}
	if ok {
		return StoredResponse{}, true, nil
	}
	b, err := i.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls.
		return StoredResponse{}, false, ErrInFlight
	}
	if err != nil {
		return StoredResponse{}, false, err
	}
	if string(b) == inFlight {
		return StoredResponse{}, false, ErrInFlight
	}
	if err := json.Unmarshal(b, &stored); err != nil {
		return StoredResponse{}, false, fmt.Errorf("decode stored response %s: %w", key, err)
	}
	return stored, false, nil
}

func (i *Idempotency) Complete(ctx context.Context, key string, resp StoredResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.rdb.Set(ctx, fmt.Sprintf(KeyIdemOrderPlace, key), b, TTLIdempotency).Err()
}

// Release drops a claim whose request failed, so the client may retry.
func (i *Idempotency) Release(ctx context.Context, key string) error {
	return i.rdb.Del(ctx, fmt.Sprintf(KeyIdemOrderPlace, key)).Err()
}
