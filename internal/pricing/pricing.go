// Package pricing derives order totals from captured line prices and an
// optional discount. Amounts are integer minor units (cents).
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sokoby/checkout/internal/apperr"
)

type DiscountType string

const (
	Percentage DiscountType = "PERCENTAGE"
	Fixed      DiscountType = "FIXED"
)

var hundred = decimal.NewFromInt(100)

type Line struct {
	SKU       string
	Quantity  int
	UnitPrice int64
}

func (l Line) Subtotal() int64 { return int64(l.Quantity) * l.UnitPrice }

// Discount is read-only input. Value is a percentage for Percentage and
// minor units for Fixed.
type Discount struct {
	Code           string
	Type           DiscountType
	Value          decimal.Decimal
	MinOrderAmount *int64
	StartsAt       *time.Time
	EndsAt         *time.Time
	Active         bool
}

type Totals struct {
	Subtotal       int64 `json:"subtotal"`
	DiscountAmount int64 `json:"discount_amount"`
	Total          int64 `json:"total"`
}

// DiscountError says why a discount cannot apply to an order.
type DiscountError struct {
	Code   string
	Reason string
}

func (e *DiscountError) Error() string {
	return fmt.Sprintf("discount %q: %s", e.Code, e.Reason)
}

func (e *DiscountError) Unwrap() error { return apperr.ErrInvalidDiscount }

func Subtotal(lines []Line) int64 {
	var sum int64
	for _, l := range lines {
		sum += l.Subtotal()
	}
	return sum
}

// Eligibility returns nil when d applies to an order of the given subtotal at now.
func Eligibility(d Discount, subtotal int64, now time.Time) error {
	switch {
	case !d.Active:
		return &DiscountError{Code: d.Code, Reason: "inactive"}
	case d.StartsAt != nil && now.Before(*d.StartsAt):
		return &DiscountError{Code: d.Code, Reason: "not yet valid"}
	case d.EndsAt != nil && now.After(*d.EndsAt):
		return &DiscountError{Code: d.Code, Reason: "expired"}
	case d.MinOrderAmount != nil && subtotal < *d.MinOrderAmount:
		return &DiscountError{Code: d.Code, Reason: fmt.Sprintf("order subtotal below minimum of %d", *d.MinOrderAmount)}
	case !d.Value.IsPositive():
		return &DiscountError{Code: d.Code, Reason: "value must be positive"}
	case d.Type != Percentage && d.Type != Fixed:
		return &DiscountError{Code: d.Code, Reason: "unknown type " + string(d.Type)}
	}
	return nil
}

// ComputeTotals is pure. An ineligible discount yields a zero discount amount.
func ComputeTotals(lines []Line, d *Discount, now time.Time) Totals {
	t := Totals{Subtotal: Subtotal(lines)}
	if d != nil && Eligibility(*d, t.Subtotal, now) == nil {
		t.DiscountAmount = discountAmount(*d, t.Subtotal)
	}
	t.Total = t.Subtotal - t.DiscountAmount
	if t.Total < 0 {
		t.Total = 0
	}
	return t
}

func discountAmount(d Discount, subtotal int64) int64 {
	var amount int64
	switch d.Type {
	case Percentage:
		pct := decimal.Min(d.Value, hundred)
		amount = decimal.NewFromInt(subtotal).Mul(pct).Div(hundred).Round(0).IntPart()
	case Fixed:
		amount = d.Value.Round(0).IntPart()
	}
	if amount > subtotal {
		amount = subtotal
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}

// VerifyTotals recomputes t from lines and reports any drift as an invariant violation.
func VerifyTotals(lines []Line, t Totals) error {
	if sub := Subtotal(lines); sub != t.Subtotal {
		return apperr.Invariantf("subtotal %d does not match lines sum %d", t.Subtotal, sub)
	}
	if t.DiscountAmount < 0 || t.DiscountAmount > t.Subtotal {
		return apperr.Invariantf("discount %d outside [0, %d]", t.DiscountAmount, t.Subtotal)
	}
	want := t.Subtotal - t.DiscountAmount
	if want < 0 {
		want = 0
	}
	if t.Total != want {
		return apperr.Invariantf("total %d, want %d", t.Total, want)
	}
	return nil
}
