package payments

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/apperr"
	"github.com/sokoby/checkout/internal/gateway"
	"github.com/sokoby/checkout/internal/orders"
	"github.com/sokoby/checkout/internal/telemetry"
)

const maxSettleAttempts = 3

// Orders is the part of the order lifecycle settlement drives.
type Orders interface {
	Get(ctx context.Context, id string) (orders.Order, error)
	ConfirmPaid(ctx context.Context, id string) (orders.Order, bool, error)
	CancelUnpaid(ctx context.Context, id, reason string) (orders.Order, bool, error)
}

type SettlementDeps struct {
	Store     Store
	Orders    Orders
	Gateway   Gateway
	Publisher orders.Publisher // payment.settled
	Producer  string
	Log       *zap.Logger
}

// Settlement applies gateway outcomes to payments and their orders. Every
// entry point is safe to call again with the same or an older outcome.
type Settlement struct {
	store    Store
	orders   Orders
	gw       Gateway
	pub      orders.Publisher
	producer string
	log      *zap.Logger
	tracer   trace.Tracer
	settled  metric.Int64Counter
}

func NewSettlement(d SettlementDeps) *Settlement {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Settlement{
		store:    d.Store,
		orders:   d.Orders,
		gw:       d.Gateway,
		pub:      d.Publisher,
		producer: d.Producer,
		log:      d.Log.Named("settlement"),
		tracer:   otel.Tracer("checkout/payments"),
		settled:  telemetry.Counter("checkout/payments", "payments_settled_total", "Payments moved to a terminal status, by status"),
	}
}

// ApplyOutcome settles the payment identified by correlationID (a session or
// payment intent id; the outcome's order reference is the fallback).
//
// The order moves first and the payment second, so a crash in between is
// repaired by the gateway's redelivery: the payment is still PENDING and the
// order step is idempotent.
func (s *Settlement) ApplyOutcome(ctx context.Context, correlationID string, out gateway.Outcome) (Payment, error) {
	ctx, span := s.tracer.Start(ctx, "payments.apply_outcome", trace.WithAttributes(
		attribute.String("correlation_id", correlationID),
		attribute.String("outcome", string(out.Kind)),
	))
	defer span.End()

	p, err := s.applyOutcome(ctx, correlationID, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply outcome failed")
		return Payment{}, err
	}
	span.SetAttributes(attribute.String("payment_id", p.ID), attribute.String("status", string(p.Status)))
	return p, nil
}

func (s *Settlement) applyOutcome(ctx context.Context, correlationID string, out gateway.Outcome) (Payment, error) {
	if !out.Kind.Terminal() {
		return Payment{}, apperr.Validation("outcome", "not a terminal outcome: "+string(out.Kind))
	}
	p, err := s.locate(ctx, correlationID, out.OrderRef)
	if err != nil {
		return Payment{}, err
	}

	for range maxSettleAttempts {
		done, err := s.settle(ctx, &p, out)
		if err != nil || done {
			return p, err
		}
		// Lost the status race; look again.
		if p, err = s.store.Get(ctx, p.ID); err != nil {
			return Payment{}, err
		}
	}
	return Payment{}, apperr.Invariantf("payment %s: status kept changing under settlement", p.ID)
}

func (s *Settlement) locate(ctx context.Context, correlationID, orderRef string) (Payment, error) {
	p, err := s.store.FindByCorrelation(ctx, correlationID)
	if errors.Is(err, apperr.ErrPaymentNotFound) && orderRef != "" {
		p, err = s.store.GetByOrder(ctx, orderRef)
	}
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

// settle applies out to p once. done is false only when the final status
// compare-and-set lost to a concurrent writer.
func (s *Settlement) settle(ctx context.Context, p *Payment, out gateway.Outcome) (done bool, err error) {
	target := statusFor(out.Kind)
	log := s.log.With(
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.String("outcome", string(out.Kind)),
	)

	if p.Status.Terminal() {
		if p.Status != target {
			log.Warn("stale payment outcome ignored", zap.String("status", string(p.Status)))
			return true, nil
		}
		return true, s.repairOrder(ctx, *p, out)
	}

	reason := out.Reason
	refund := false
	switch out.Kind {
	case gateway.Succeeded:
		reason = ""
		_, _, err := s.orders.ConfirmPaid(ctx, p.OrderID)
		switch {
		case errors.Is(err, apperr.ErrInvalidTransition):
			// The order was canceled before the money arrived.
			refund = true
		case err != nil:
			return false, fmt.Errorf("confirm order %s: %w", p.OrderID, err)
		}
	default:
		if reason == "" {
			reason = "payment " + string(out.Kind)
		}
		_, _, err := s.orders.CancelUnpaid(ctx, p.OrderID, reason)
		switch {
		case errors.Is(err, apperr.ErrInvalidTransition):
			log.Warn("payment outcome conflicts with order state; left unchanged", zap.Error(err))
			return true, nil
		case err != nil:
			return false, fmt.Errorf("cancel order %s: %w", p.OrderID, err)
		}
	}

	if out.PaymentIntentID != "" && p.PaymentIntentID == "" {
		if err := s.store.AttachIntent(ctx, p.ID, out.PaymentIntentID); err != nil {
			return false, fmt.Errorf("attach intent to payment %s: %w", p.ID, err)
		}
		p.PaymentIntentID = out.PaymentIntentID
	}

	ok, err := s.store.CompareAndSetStatus(ctx, p.ID, StatusPending, target, reason)
	if err != nil {
		return false, fmt.Errorf("settle payment %s: %w", p.ID, err)
	}
	if !ok {
		return false, nil
	}
	p.Status = target
	p.FailureReason = reason

	s.settled.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(target))))
	s.emit(ctx, *p, eventFor(target))
	if refund {
		log.Warn("payment succeeded for a canceled order; refund required")
		s.emit(ctx, *p, orders.EventPaymentRefundRequired)
	}
	log.Info("payment settled", zap.String("status", string(target)))
	return true, nil
}

// repairOrder replays the order step of an already settled payment. Both
// order operations are no-ops when the order is already where they would
// move it.
func (s *Settlement) repairOrder(ctx context.Context, p Payment, out gateway.Outcome) error {
	var err error
	if out.Kind == gateway.Succeeded {
		_, _, err = s.orders.ConfirmPaid(ctx, p.OrderID)
	} else {
		_, _, err = s.orders.CancelUnpaid(ctx, p.OrderID, p.FailureReason)
	}
	if err != nil && !errors.Is(err, apperr.ErrInvalidTransition) {
		return fmt.Errorf("repair order %s: %w", p.OrderID, err)
	}
	return nil
}

// Reconcile asks the gateway for the order's payment outcome and applies it
// when terminal. A payment that is already settled is replayed from its own
// status instead.
func (s *Settlement) Reconcile(ctx context.Context, orderID string) (Payment, error) {
	p, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status.Terminal() {
		return s.ApplyOutcome(ctx, p.SessionID, p.outcome())
	}
	out, err := s.gw.RetrieveOutcome(ctx, p.SessionID)
	if err != nil {
		return Payment{}, err
	}
	if !out.Kind.Terminal() {
		return p, nil
	}
	return s.ApplyOutcome(ctx, p.SessionID, out)
}

// Expire cancels a PENDING order whose payment has not settled in time,
// after a last look at the gateway. The payment stays PENDING so that a late
// success is still recorded and flagged for refund.
func (s *Settlement) Expire(ctx context.Context, orderID, reason string) error {
	ctx, span := s.tracer.Start(ctx, "payments.expire", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	if err := s.expire(ctx, orderID, reason); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expire failed")
		return err
	}
	return nil
}

func (s *Settlement) expire(ctx context.Context, orderID, reason string) error {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != orders.StatusPending {
		return nil
	}

	p, err := s.Reconcile(ctx, orderID)
	switch {
	case errors.Is(err, apperr.ErrPaymentNotFound):
		// Checkout never opened.
	case err != nil:
		return fmt.Errorf("reconcile order %s: %w", orderID, err)
	case p.Status.Terminal():
		return nil
	}

	_, changed, err := s.orders.CancelUnpaid(ctx, orderID, reason)
	if errors.Is(err, apperr.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	if changed {
		s.log.Info("pending order expired", zap.String("order_id", orderID), zap.String("reason", reason))
	}
	return nil
}

func (s *Settlement) emit(ctx context.Context, p Payment, eventType string) {
	if s.pub == nil {
		return
	}
	err := orders.Emit(s.pub, s.producer, eventType, p.OrderID, orders.TraceID(ctx), orders.PaymentSettledPayload{
		OrderID:   p.OrderID,
		PaymentID: p.ID,
		Status:    string(p.Status),
		Amount:    p.Amount,
		Reason:    p.FailureReason,
	})
	if err != nil {
		s.log.Error("publish event", zap.String("event_type", eventType), zap.String("order_id", p.OrderID), zap.Error(err))
	}
}

func eventFor(st Status) string {
	switch st {
	case StatusSuccess:
		return orders.EventPaymentSucceeded
	case StatusFailed:
		return orders.EventPaymentFailed
	default:
		return orders.EventPaymentCanceled
	}
}
