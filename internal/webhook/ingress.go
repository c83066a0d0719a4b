// Package webhook verifies, classifies and deduplicates payment gateway
// events, and hands payment outcomes to settlement.
package webhook

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/gateway"
	"github.com/sokoby/checkout/internal/payments"
	"github.com/sokoby/checkout/internal/telemetry"
)

type Settler interface {
	ApplyOutcome(ctx context.Context, correlationID string, out gateway.Outcome) (payments.Payment, error)
}

// Deduper remembers processed event ids.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type Result struct {
	EventID   string `json:"event_id,omitempty"`
	Kind      Kind   `json:"kind,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

type Ingress struct {
	verifier *Verifier
	settler  Settler
	dedup    Deduper
	log      *zap.Logger
	tracer   trace.Tracer
	received metric.Int64Counter
}

func NewIngress(v *Verifier, s Settler, d Deduper, log *zap.Logger) *Ingress {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingress{
		verifier: v,
		settler:  s,
		dedup:    d,
		log:      log.Named("webhook"),
		tracer:   otel.Tracer("checkout/webhook"),
		received: telemetry.Counter("checkout/webhook", "webhook_events_total", "Gateway events received, by kind and result"),
	}
}

// Handle processes one delivery. The only errors are an invalid signature,
// which the gateway must not retry, and settlement failures, which leave no
// state committed and are safe to retry.
func (in *Ingress) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	ctx, span := in.tracer.Start(ctx, "webhook.handle")
	defer span.End()

	if err := in.verifier.Verify(payload, signature); err != nil {
		in.count(ctx, "", "invalid_signature")
		in.log.Warn("webhook rejected", zap.Error(err))
		return Result{}, err
	}

	ev, err := Parse(payload)
	if err != nil {
		// Signed but unreadable; a retry would not read any better.
		in.count(ctx, "", "unparsable")
		in.log.Warn("webhook payload ignored", zap.Error(err))
		return Result{Ignored: true}, nil
	}
	res := Result{EventID: ev.ID, Kind: ev.Kind}
	span.SetAttributes(attribute.String("event_id", ev.ID), attribute.String("event_type", ev.Type))
	log := in.log.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))

	if in.seen(ctx, ev.ID, log) {
		res.Duplicate = true
		in.count(ctx, ev.Kind, "duplicate")
		log.Info("duplicate webhook skipped")
		return res, nil
	}

	if ev.Kind == KindOther || !ev.Outcome.Kind.Terminal() {
		res.Ignored = true
		in.count(ctx, ev.Kind, "ignored")
		in.mark(ctx, ev.ID, log)
		return res, nil
	}

	p, err := in.settler.ApplyOutcome(ctx, ev.CorrelationID, ev.Outcome)
	if err != nil {
		span.RecordError(err)
		in.count(ctx, ev.Kind, "failed")
		log.Error("webhook processing failed", zap.String("correlation_id", ev.CorrelationID), zap.Error(err))
		return res, err
	}
	in.mark(ctx, ev.ID, log)
	in.count(ctx, ev.Kind, "applied")
	log.Info("webhook applied",
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.String("payment_status", string(p.Status)),
	)
	return res, nil
}

// seen fails open on dedup errors.
func (in *Ingress) seen(ctx context.Context, id string, log *zap.Logger) bool {
	if in.dedup == nil || id == "" {
		return false
	}
	ok, err := in.dedup.Seen(ctx, id)
	if err != nil {
		log.Warn("dedup lookup failed", zap.Error(err))
		return false
	}
	return ok
}

func (in *Ingress) mark(ctx context.Context, id string, log *zap.Logger) {
	if in.dedup == nil || id == "" {
		return
	}
	if err := in.dedup.Mark(ctx, id); err != nil {
		log.Warn("dedup mark failed", zap.Error(err))
	}
}

func (in *Ingress) count(ctx context.Context, kind Kind, result string) {
	in.received.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("result", result),
	))
}
