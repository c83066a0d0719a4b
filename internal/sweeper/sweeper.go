// Package sweeper expires orders whose payment never settled. Deadlines come
// from order.placed events; a periodic database scan catches orders whose
// event was lost.
package sweeper

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	kafkax "github.com/sokoby/checkout/internal/kafka"
	"github.com/sokoby/checkout/internal/orders"
	"github.com/sokoby/checkout/internal/telemetry"
)

const ReasonTimeout = "payment timeout"

type Queue interface {
	Schedule(ctx context.Context, orderID string, deadline time.Time) error
	Reschedule(ctx context.Context, orderID string, deadline time.Time) error
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type Expirer interface {
	Expire(ctx context.Context, orderID, reason string) error
}

type StaleLister interface {
	StalePending(ctx context.Context, age time.Duration, limit int) ([]string, error)
}

type Config struct {
	// TTL is how long an order may stay PENDING.
	TTL        time.Duration
	Interval   time.Duration
	RetryAfter time.Duration
	BatchSize  int
	Workers    int
}

type Sweeper struct {
	queue   Queue
	expirer Expirer
	stale   StaleLister
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
	swept   metric.Int64Counter
}

func New(q Queue, e Expirer, s StaleLister, cfg Config, log *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = cfg.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		queue:   q,
		expirer: e,
		stale:   s,
		cfg:     cfg,
		log:     log.Named("sweeper"),
		now:     func() time.Time { return time.Now().UTC() },
		swept:   telemetry.Counter("checkout/sweeper", "sweeper_orders_total", "Pending orders examined by the sweeper, by result"),
	}
}

// HandleOrderPlaced schedules the payment deadline of a new order. Bad
// messages are logged and skipped; only a queue failure asks for redelivery.
func (s *Sweeper) HandleOrderPlaced(ctx context.Context, m kafkago.Message) error {
	if t := kafkax.Header(m, "x-event-type"); t != "" && t != orders.EventOrderPlaced {
		return nil
	}
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		s.log.Warn("undecodable event skipped", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventOrderPlaced {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
	if err != nil {
		s.log.Warn("undecodable payload skipped", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	deadline := p.PlacedAt.Add(s.cfg.TTL)
	if err := s.queue.Schedule(ctx, p.OrderID, deadline); err != nil {
		return err
	}
	s.log.Debug("order deadline scheduled", zap.String("order_id", p.OrderID), zap.Time("deadline", deadline))
	return nil
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Tick expires every order that is due, either from the queue or found stale
// in the database, and returns how many were handled without error.
func (s *Sweeper) Tick(ctx context.Context) int {
	now := s.now()
	ids, err := s.queue.PopDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Warn("expiry queue unavailable", zap.Error(err))
	}
	stale, err := s.stale.StalePending(ctx, s.cfg.TTL+s.cfg.Interval, s.cfg.BatchSize)
	if err != nil {
		s.log.Warn("stale order scan failed", zap.Error(err))
	}
	ids = union(ids, stale)
	if len(ids) == 0 {
		return 0
	}

	var (
		mu   sync.Mutex
		ok   int
		wg   sync.WaitGroup
		jobs = make(chan string)
	)
	for range min(s.cfg.Workers, len(ids)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if s.expire(ctx, id, now) {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}
		}()
	}
	for _, id := range ids {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	return ok
}

func (s *Sweeper) expire(ctx context.Context, id string, now time.Time) bool {
	err := s.expirer.Expire(ctx, id, ReasonTimeout)
	if err == nil {
		s.swept.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
		return true
	}
	s.swept.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "retry")))
	s.log.Warn("order expiry failed; retrying later", zap.String("order_id", id), zap.Error(err))
	if err := s.queue.Reschedule(ctx, id, now.Add(s.cfg.RetryAfter)); err != nil {
		s.log.Error("reschedule failed", zap.String("order_id", id), zap.Error(err))
	}
	return false
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(a, b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
