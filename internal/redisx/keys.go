package redisx

import "time"

const (
	// Idempotent order placement: idem:order:place:{idempotency_key} -> response body
	KeyIdemOrderPlace = "idem:order:place:%s"

	// Cache status order: order_status:{order_id} -> {"order_id": "...", "status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{scope}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Pending order deadlines: zset, member order_id, score unix deadline
	KeyExpiryQueue = "orders:expiry"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLInFlight    = 30 * time.Second
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
