package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/apperr"
	"github.com/sokoby/checkout/internal/catalog"
	"github.com/sokoby/checkout/internal/pricing"
	"github.com/sokoby/checkout/internal/telemetry"
	"github.com/sokoby/checkout/internal/validation"
)

const compensationTimeout = 10 * time.Second

type Store interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	// Update runs fn while holding the order's row lock and persists the
	// status fields if fn returns nil.
	Update(ctx context.Context, id string, fn func(*Order) error) (Order, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]string, error)
}

type Catalog interface {
	Store(ctx context.Context, id string) (catalog.Store, error)
	CustomerExists(ctx context.Context, id string) (bool, error)
	SKU(ctx context.Context, storeID, code string) (catalog.SKU, error)
	Discount(ctx context.Context, storeID, code string) (pricing.Discount, error)
}

type Inventory interface {
	IsAvailable(ctx context.Context, sku string, qty int) (bool, error)
	Available(ctx context.Context, sku string) (int, error)
	Reserve(ctx context.Context, ref, sku string, qty int) error
	Release(ctx context.Context, ref, sku string, qty int) error
}

// Checkout opens the payment session of a freshly persisted order.
type Checkout interface {
	StartPayment(ctx context.Context, o Order) (PaymentRef, error)
}

type StatusCache interface {
	Invalidate(ctx context.Context, orderID string)
}

type noopCache struct{}

func (noopCache) Invalidate(context.Context, string) {}

type Deps struct {
	Store     Store
	Catalog   Catalog
	Inventory Inventory
	Checkout  Checkout
	Placed    Publisher // order.placed
	Status    Publisher // order.status
	Cache     StatusCache
	Log       *zap.Logger
	Producer  string
	Clock     func() time.Time
}

type Service struct {
	store    Store
	catalog  Catalog
	inv      Inventory
	checkout Checkout
	placed   Publisher
	status   Publisher
	cache    StatusCache
	log      *zap.Logger
	producer string
	now      func() time.Time
	validate *validatorv10.Validate
	tracer   trace.Tracer

	placedCount metric.Int64Counter
	rejected    metric.Int64Counter
}

func NewService(d Deps) *Service {
	if d.Placed == nil {
		d.Placed = discardPublisher{}
	}
	if d.Status == nil {
		d.Status = discardPublisher{}
	}
	if d.Cache == nil {
		d.Cache = noopCache{}
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Service{
		store:       d.Store,
		catalog:     d.Catalog,
		inv:         d.Inventory,
		checkout:    d.Checkout,
		placed:      d.Placed,
		status:      d.Status,
		cache:       d.Cache,
		log:         d.Log.Named("orders"),
		producer:    d.Producer,
		now:         d.Clock,
		validate:    validation.New(),
		tracer:      otel.Tracer("checkout/orders"),
		placedCount: telemetry.Counter("checkout/orders", "orders_placed_total", "Orders placed and awaiting payment"),
		rejected:    telemetry.Counter("checkout/orders", "orders_rejected_total", "Order placements rejected, by reason"),
	}
}

func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.store.Get(ctx, id)
}

// Place validates the request, reserves every line, prices the order, persists
// it as PENDING and opens a payment session. No failure leaves stock reserved
// for an order the caller does not get back.
func (s *Service) Place(ctx context.Context, in PlaceInput) (Placed, error) {
	ctx, span := s.tracer.Start(ctx, "orders.place", trace.WithAttributes(
		attribute.String("store_id", in.StoreID),
		attribute.Int("lines", len(in.Lines)),
	))
	defer span.End()

	placed, err := s.place(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "place failed")
		s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectReason(err))))
		s.log.Info("order rejected", zap.String("store_id", in.StoreID), zap.String("customer_id", in.CustomerID), zap.Error(err))
		return Placed{}, err
	}
	span.SetAttributes(attribute.String("order_id", placed.Order.ID))
	s.placedCount.Add(ctx, 1)
	return placed, nil
}

func (s *Service) place(ctx context.Context, in PlaceInput) (Placed, error) {
	if err := validation.Struct(s.validate, in); err != nil {
		return Placed{}, err
	}

	store, err := s.catalog.Store(ctx, in.StoreID)
	if errors.Is(err, apperr.ErrNotFound) {
		return Placed{}, apperr.Validation("store_id", "unknown store")
	}
	if err != nil {
		return Placed{}, fmt.Errorf("load store %s: %w", in.StoreID, err)
	}
	ok, err := s.catalog.CustomerExists(ctx, in.CustomerID)
	if err != nil {
		return Placed{}, fmt.Errorf("load customer %s: %w", in.CustomerID, err)
	}
	if !ok {
		return Placed{}, apperr.Validation("customer_id", "unknown customer")
	}

	lines, err := s.captureLines(ctx, in)
	if err != nil {
		return Placed{}, err
	}
	priced := linesForPricing(lines)
	now := s.now()

	var discount *pricing.Discount
	if in.DiscountCode != "" {
		d, err := s.catalog.Discount(ctx, in.StoreID, in.DiscountCode)
		if errors.Is(err, apperr.ErrNotFound) {
			return Placed{}, &pricing.DiscountError{Code: in.DiscountCode, Reason: "unknown code"}
		}
		if err != nil {
			return Placed{}, fmt.Errorf("load discount %s: %w", in.DiscountCode, err)
		}
		if err := pricing.Eligibility(d, pricing.Subtotal(priced), now); err != nil {
			return Placed{}, err
		}
		discount = &d
	}

	// Check every line before reserving any.
	for i, l := range lines {
		ok, err := s.inv.IsAvailable(ctx, l.SKU, l.Quantity)
		if err != nil {
			return Placed{}, fmt.Errorf("check stock of %s: %w", l.SKU, err)
		}
		if !ok {
			avail, _ := s.inv.Available(ctx, l.SKU)
			return Placed{}, &apperr.StockError{Line: i + 1, SKU: l.SKU, Requested: l.Quantity, Available: avail}
		}
	}

	orderID := uuid.NewString()
	for i, l := range lines {
		if err := s.inv.Reserve(ctx, orderID, l.SKU, l.Quantity); err != nil {
			var se *apperr.StockError
			if errors.As(err, &se) {
				se.Line = i + 1
			}
			return Placed{}, joinCompensation(err, s.releaseDetached(ctx, orderID, lines[:i]))
		}
	}

	totals := pricing.ComputeTotals(priced, discount, now)
	if err := pricing.VerifyTotals(priced, totals); err != nil {
		return Placed{}, joinCompensation(err, s.releaseDetached(ctx, orderID, lines))
	}

	o := Order{
		ID:              orderID,
		StoreID:         in.StoreID,
		CustomerID:      in.CustomerID,
		ShippingAddress: in.ShippingAddress,
		Lines:           lines,
		Subtotal:        totals.Subtotal,
		DiscountAmount:  totals.DiscountAmount,
		TotalAmount:     totals.Total,
		Currency:        store.Currency,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if discount != nil {
		o.DiscountCode = discount.Code
	}
	if err := s.store.Create(ctx, o); err != nil {
		return Placed{}, joinCompensation(fmt.Errorf("persist order: %w", err), s.releaseDetached(ctx, orderID, lines))
	}

	ref, err := s.checkout.StartPayment(ctx, o)
	if err != nil {
		err = fmt.Errorf("start payment for order %s: %w", o.ID, err)
		return Placed{}, joinCompensation(err, s.abandon(ctx, o.ID, "payment session could not be created"))
	}

	s.emit(ctx, s.placed, EventOrderPlaced, o.ID, OrderPlacedPayload{
		OrderID:     o.ID,
		StoreID:     o.StoreID,
		CustomerID:  o.CustomerID,
		Items:       itemQtys(o.Lines),
		TotalAmount: o.TotalAmount,
		Currency:    o.Currency,
		PlacedAt:    o.CreatedAt,
	})
	s.cache.Invalidate(ctx, o.ID)
	s.log.Info("order placed",
		zap.String("order_id", o.ID),
		zap.Int64("total", o.TotalAmount),
		zap.String("payment_id", ref.PaymentID),
	)
	return Placed{Order: o, Payment: ref}, nil
}

// captureLines resolves every SKU in the store and captures its current price.
func (s *Service) captureLines(ctx context.Context, in PlaceInput) ([]Line, error) {
	lines := make([]Line, 0, len(in.Lines))
	var invalid apperr.ValidationError
	for i, li := range in.Lines {
		field := fmt.Sprintf("lines[%d].sku", i)
		sku, err := s.catalog.SKU(ctx, in.StoreID, li.SKU)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			invalid.Fields = append(invalid.Fields, apperr.FieldError{Field: field, Reason: "unknown sku " + li.SKU})
			continue
		case err != nil:
			return nil, fmt.Errorf("load sku %s: %w", li.SKU, err)
		case !sku.Active:
			invalid.Fields = append(invalid.Fields, apperr.FieldError{Field: field, Reason: "sku " + li.SKU + " is not for sale"})
			continue
		}
		lines = append(lines, Line{
			SKU:          sku.Code,
			Quantity:     li.Quantity,
			UnitPrice:    sku.PriceCents,
			LineSubtotal: int64(li.Quantity) * sku.PriceCents,
		})
	}
	if len(invalid.Fields) > 0 {
		return nil, &invalid
	}
	return lines, nil
}

// Cancel releases the order's stock and marks it CANCELED. Allowed from
// PENDING and CONFIRMED only.
func (s *Service) Cancel(ctx context.Context, id string) (Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.cancel", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()

	var from Status
	o, err := s.store.Update(ctx, id, func(o *Order) error {
		from = o.Status
		return s.cancelLocked(ctx, o, "canceled on request")
	})
	if err != nil {
		span.RecordError(err)
		return Order{}, err
	}
	s.afterTransition(ctx, o, from)
	return o, nil
}

// UpdateStatus applies one transition of the status table. Only a
// cancellation touches inventory. CONFIRMED is reached through ConfirmPaid
// alone.
func (s *Service) UpdateStatus(ctx context.Context, id string, next Status) (Order, error) {
	if !next.Valid() {
		return Order{}, apperr.Validation("status", "unknown status "+string(next))
	}
	if next == StatusCanceled {
		return s.Cancel(ctx, id)
	}
	var from Status
	o, err := s.store.Update(ctx, id, func(o *Order) error {
		if next == StatusConfirmed {
			return &apperr.TransitionError{From: string(o.Status), To: string(next), Reason: "confirmation follows payment"}
		}
		if !CanTransition(o.Status, next) {
			return &apperr.TransitionError{From: string(o.Status), To: string(next)}
		}
		from = o.Status
		o.Status = next
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.afterTransition(ctx, o, from)
	return o, nil
}

// ConfirmPaid moves a PENDING order to CONFIRMED. An order that is already
// confirmed or further along is left as is; changed reports whether the
// call moved it. A canceled order yields an invalid transition error.
func (s *Service) ConfirmPaid(ctx context.Context, id string) (o Order, changed bool, err error) {
	o, err = s.store.Update(ctx, id, func(o *Order) error {
		switch o.Status {
		case StatusPending:
			o.Status = StatusConfirmed
			changed = true
		case StatusConfirmed, StatusShipped, StatusDelivered:
		default:
			return &apperr.TransitionError{From: string(o.Status), To: string(StatusConfirmed)}
		}
		return nil
	})
	if err != nil {
		return Order{}, false, err
	}
	if changed {
		s.afterTransition(ctx, o, StatusPending)
	}
	return o, changed, nil
}

// CancelUnpaid cancels a PENDING order whose payment did not go through and
// releases its stock before the status change commits. An already canceled
// order is left as is; a confirmed one yields an invalid transition error.
func (s *Service) CancelUnpaid(ctx context.Context, id, reason string) (o Order, changed bool, err error) {
	o, err = s.store.Update(ctx, id, func(o *Order) error {
		switch o.Status {
		case StatusCanceled:
			return nil
		case StatusPending:
			changed = true
			return s.cancelLocked(ctx, o, reason)
		default:
			return &apperr.TransitionError{From: string(o.Status), To: string(StatusCanceled)}
		}
	})
	if err != nil {
		return Order{}, false, err
	}
	if changed {
		s.afterTransition(ctx, o, StatusPending)
	}
	return o, changed, nil
}

// StalePending lists PENDING orders created more than age ago.
func (s *Service) StalePending(ctx context.Context, age time.Duration, limit int) ([]string, error) {
	return s.store.ListStalePending(ctx, s.now().Add(-age), limit)
}

func (s *Service) cancelLocked(ctx context.Context, o *Order, reason string) error {
	if !CanTransition(o.Status, StatusCanceled) {
		return &apperr.TransitionError{From: string(o.Status), To: string(StatusCanceled)}
	}
	if err := s.releaseLines(ctx, o.ID, o.Lines); err != nil {
		return fmt.Errorf("release stock of order %s: %w", o.ID, err)
	}
	o.Status = StatusCanceled
	o.CancelReason = reason
	return nil
}

// abandon cancels an order whose checkout could not be started.
func (s *Service) abandon(ctx context.Context, id, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	o, changed, err := s.CancelUnpaid(ctx, id, reason)
	if err != nil {
		s.log.Error("order compensation failed", zap.String("order_id", id), zap.Error(err))
		return err
	}
	if changed {
		s.log.Warn("order abandoned", zap.String("order_id", o.ID), zap.String("reason", reason))
	}
	return nil
}

// releaseLines releases every line, carrying on past failures so one bad
// line does not strand the others.
func (s *Service) releaseLines(ctx context.Context, ref string, lines []Line) error {
	var errs []error
	for _, l := range lines {
		if err := s.inv.Release(ctx, ref, l.SKU, l.Quantity); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", l.SKU, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) releaseDetached(ctx context.Context, ref string, lines []Line) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	err := s.releaseLines(ctx, ref, lines)
	if err != nil {
		s.log.Error("stock rollback failed", zap.String("ref", ref), zap.Error(err))
	}
	return err
}

func (s *Service) afterTransition(ctx context.Context, o Order, from Status) {
	eventType := EventOrderStatusChanged
	switch o.Status {
	case StatusConfirmed:
		eventType = EventOrderConfirmed
	case StatusCanceled:
		eventType = EventOrderCanceled
	}
	s.emit(ctx, s.status, eventType, o.ID, OrderStatusPayload{
		OrderID: o.ID, From: from, To: o.Status, Reason: o.CancelReason,
	})
	s.cache.Invalidate(ctx, o.ID)
	s.log.Info("order status changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
		zap.String("to", string(o.Status)),
	)
}

func (s *Service) emit(ctx context.Context, p Publisher, eventType, orderID string, payload any) {
	if err := Emit(p, s.producer, eventType, orderID, TraceID(ctx), payload); err != nil {
		s.log.Error("publish event", zap.String("event_type", eventType), zap.String("order_id", orderID), zap.Error(err))
	}
}

// TraceID returns the active trace id, if any.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func joinCompensation(err, compensationErr error) error {
	if compensationErr == nil {
		return err
	}
	return errors.Join(err, compensationErr)
}

func linesForPricing(lines []Line) []pricing.Line {
	return Order{Lines: lines}.PricingLines()
}

func itemQtys(lines []Line) []ItemQty {
	out := make([]ItemQty, 0, len(lines))
	for _, l := range lines {
		out = append(out, ItemQty{SKU: l.SKU, Qty: l.Quantity})
	}
	return out
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return "validation"
	case errors.Is(err, apperr.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, apperr.ErrInvalidDiscount):
		return "invalid_discount"
	case errors.Is(err, apperr.ErrGateway):
		return "gateway"
	default:
		return "internal"
	}
}
