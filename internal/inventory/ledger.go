// Package inventory owns the per-location stock counts of every SKU.
//
// Reservations fill locations in priority order (lowest priority value first,
// ties broken by location id) and may split across several locations. Releases
// give stock back in the reverse order. Every mutation runs under the store's
// per-SKU lock and is all-or-nothing.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/apperr"
	"github.com/sokoby/checkout/internal/telemetry"
)

// Store persists levels and holds. Mutate must run fn while holding an
// exclusive lock on the SKU, and persist the snapshot only when fn returns nil.
type Store interface {
	Levels(ctx context.Context, sku string) ([]Level, error)
	Mutate(ctx context.Context, sku, ref string, fn func(*Snapshot) error) error
}

// errNoChange aborts a mutation without persisting anything.
var errNoChange = errors.New("no change")

type Ledger struct {
	store        Store
	log          *zap.Logger
	reserveFails metric.Int64Counter
}

func NewLedger(store Store, log *zap.Logger) *Ledger {
	return &Ledger{
		store:        store,
		log:          log.Named("inventory"),
		reserveFails: telemetry.Counter("checkout/inventory", "inventory_reservation_failures_total", "Reservations rejected for insufficient stock"),
	}
}

func (l *Ledger) Levels(ctx context.Context, sku string) ([]Level, error) {
	return l.store.Levels(ctx, sku)
}

// Available sums the available quantity of sku across its locations.
// An unknown SKU has nothing available.
func (l *Ledger) Available(ctx context.Context, sku string) (int, error) {
	levels, err := l.store.Levels(ctx, sku)
	if err != nil {
		return 0, fmt.Errorf("load levels %s: %w", sku, err)
	}
	n := 0
	for _, lv := range levels {
		n += lv.Available()
	}
	return n, nil
}

func (l *Ledger) IsAvailable(ctx context.Context, sku string, qty int) (bool, error) {
	n, err := l.Available(ctx, sku)
	if err != nil {
		return false, err
	}
	return n >= qty, nil
}

// Reserve moves qty of sku from available to reserved on behalf of ref.
func (l *Ledger) Reserve(ctx context.Context, ref, sku string, qty int) error {
	if qty <= 0 {
		return apperr.Validation("quantity", "must be positive")
	}
	if ref == "" {
		return apperr.Validation("ref", "is required")
	}
	err := l.store.Mutate(ctx, sku, ref, func(s *Snapshot) error {
		if avail := s.Available(); avail < qty {
			return &apperr.StockError{SKU: sku, Requested: qty, Available: avail}
		}
		remaining := qty
		for i := range s.Levels {
			lv := &s.Levels[i]
			take := min(lv.Available(), remaining)
			if take <= 0 {
				continue
			}
			lv.Reserved += take
			h := s.hold(lv.LocationID)
			h.Qty += take
			h.Status = HoldReserved
			remaining -= take
			if remaining == 0 {
				break
			}
		}
		if remaining != 0 {
			return apperr.Invariantf("sku %s: %d left unreserved after fill", sku, remaining)
		}
		return checkLevels(s.Levels)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientStock) {
			l.reserveFails.Add(ctx, 1, metric.WithAttributes(attribute.String("sku", sku)))
		}
		return err
	}
	l.log.Debug("stock reserved", zap.String("ref", ref), zap.String("sku", sku), zap.Int("qty", qty))
	return nil
}

// Release gives back qty of sku held by ref. Releasing a hold that was already
// fully released is a no-op; releasing more than ref holds is an invariant violation.
func (l *Ledger) Release(ctx context.Context, ref, sku string, qty int) error {
	if qty <= 0 {
		return apperr.Validation("quantity", "must be positive")
	}
	err := l.store.Mutate(ctx, sku, ref, func(s *Snapshot) error {
		held := s.Held()
		if held == 0 {
			if len(s.Holds) > 0 {
				return errNoChange
			}
			return apperr.Invariantf("%s holds no reservation of sku %s", ref, sku)
		}
		if qty > held {
			return apperr.Invariantf("release %d of sku %s exceeds %d held by %s", qty, sku, held, ref)
		}
		remaining := qty
		for i := len(s.Levels) - 1; i >= 0 && remaining > 0; i-- {
			lv := &s.Levels[i]
			h := s.findHold(lv.LocationID)
			if h == nil || h.Status != HoldReserved || h.Qty == 0 {
				continue
			}
			take := min(h.Qty, remaining)
			if lv.Reserved < take {
				return apperr.Invariantf("sku %s at %s: reserved %d below hold %d", sku, lv.LocationID, lv.Reserved, take)
			}
			lv.Reserved -= take
			h.Qty -= take
			if h.Qty == 0 {
				h.Status = HoldReleased
			}
			remaining -= take
		}
		if remaining != 0 {
			return apperr.Invariantf("sku %s: hold of %s points at missing location", sku, ref)
		}
		return checkLevels(s.Levels)
	})
	if errors.Is(err, errNoChange) {
		l.log.Debug("release already applied", zap.String("ref", ref), zap.String("sku", sku))
		return nil
	}
	if err != nil {
		return err
	}
	l.log.Debug("stock released", zap.String("ref", ref), zap.String("sku", sku), zap.Int("qty", qty))
	return nil
}

// Adjust changes the on-hand count at one location (the highest priority
// location when locationID is empty). It is for restocks and corrections,
// never for fulfilling reservations.
func (l *Ledger) Adjust(ctx context.Context, sku, locationID string, delta int) error {
	if delta == 0 {
		return apperr.Validation("delta", "must not be zero")
	}
	err := l.store.Mutate(ctx, sku, "", func(s *Snapshot) error {
		if len(s.Levels) == 0 {
			return apperr.NotFoundf("sku %s has no stock locations", sku)
		}
		lv := &s.Levels[0]
		if locationID != "" {
			if lv = s.level(locationID); lv == nil {
				return apperr.NotFoundf("sku %s has no location %s", sku, locationID)
			}
		}
		lv.OnHand += delta
		if lv.OnHand < 0 {
			return apperr.Validation("delta", fmt.Sprintf("would leave %d on hand at %s", lv.OnHand, lv.LocationID))
		}
		return checkLevels(s.Levels)
	})
	if err != nil {
		return err
	}
	l.log.Info("stock adjusted", zap.String("sku", sku), zap.String("location_id", locationID), zap.Int("delta", delta))
	return nil
}

// SetStock creates or overwrites the on-hand count of sku at a location.
func (l *Ledger) SetStock(ctx context.Context, sku, locationID string, priority, onHand int) error {
	if sku == "" || locationID == "" {
		return apperr.Validation("location_id", "sku and location are required")
	}
	if onHand < 0 {
		return apperr.Validation("on_hand", "must not be negative")
	}
	return l.store.Mutate(ctx, sku, "", func(s *Snapshot) error {
		lv := s.level(locationID)
		if lv == nil {
			s.Levels = append(s.Levels, Level{SKU: sku, LocationID: locationID})
			lv = &s.Levels[len(s.Levels)-1]
		}
		lv.Priority = priority
		lv.OnHand = onHand
		return checkLevels(s.Levels)
	})
}

func checkLevels(levels []Level) error {
	for _, lv := range levels {
		if lv.Reserved < 0 || lv.Reserved > lv.OnHand {
			return apperr.Invariantf("sku %s at %s: reserved %d, on hand %d", lv.SKU, lv.LocationID, lv.Reserved, lv.OnHand)
		}
	}
	return nil
}
