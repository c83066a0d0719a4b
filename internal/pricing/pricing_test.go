package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokoby/checkout/internal/apperr"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func TestComputeTotals(t *testing.T) {
	lines := []Line{
		{SKU: "A", Quantity: 2, UnitPrice: 30},
		{SKU: "B", Quantity: 1, UnitPrice: 40},
	}

	tests := []struct {
		name     string
		discount *Discount
		want     Totals
	}{
		{
			name: "no discount",
			want: Totals{Subtotal: 100, DiscountAmount: 0, Total: 100},
		},
		{
			name:     "fixed 20",
			discount: &Discount{Code: "FIXED-20", Type: Fixed, Value: decimal.NewFromInt(20), Active: true},
			want:     Totals{Subtotal: 100, DiscountAmount: 20, Total: 80},
		},
		{
			name:     "fixed above subtotal clamps to subtotal",
			discount: &Discount{Code: "BIG", Type: Fixed, Value: decimal.NewFromInt(500), Active: true},
			want:     Totals{Subtotal: 100, DiscountAmount: 100, Total: 0},
		},
		{
			name:     "percentage",
			discount: &Discount{Code: "TEN", Type: Percentage, Value: decimal.NewFromInt(10), Active: true},
			want:     Totals{Subtotal: 100, DiscountAmount: 10, Total: 90},
		},
		{
			name:     "percentage above 100 clamps",
			discount: &Discount{Code: "ALL", Type: Percentage, Value: decimal.NewFromInt(150), Active: true},
			want:     Totals{Subtotal: 100, DiscountAmount: 100, Total: 0},
		},
		{
			name:     "inactive degrades to zero",
			discount: &Discount{Code: "OFF", Type: Fixed, Value: decimal.NewFromInt(20), Active: false},
			want:     Totals{Subtotal: 100, DiscountAmount: 0, Total: 100},
		},
		{
			name: "expired degrades to zero",
			discount: &Discount{Code: "OLD", Type: Fixed, Value: decimal.NewFromInt(20), Active: true,
				EndsAt: ptr(now.Add(-time.Hour))},
			want: Totals{Subtotal: 100, DiscountAmount: 0, Total: 100},
		},
		{
			name: "below minimum degrades to zero",
			discount: &Discount{Code: "MIN", Type: Fixed, Value: decimal.NewFromInt(20), Active: true,
				MinOrderAmount: ptr(int64(101))},
			want: Totals{Subtotal: 100, DiscountAmount: 0, Total: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTotals(lines, tt.discount, now)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, VerifyTotals(lines, got))
		})
	}
}

func TestPercentageRoundsHalfUp(t *testing.T) {
	lines := []Line{{SKU: "A", Quantity: 1, UnitPrice: 1999}}
	d := &Discount{Code: "P", Type: Percentage, Value: decimal.RequireFromString("12.5"), Active: true}

	got := ComputeTotals(lines, d, now)

	// 1999 * 12.5% = 249.875
	assert.Equal(t, int64(250), got.DiscountAmount)
	assert.Equal(t, int64(1749), got.Total)
}

func TestEligibilityReasons(t *testing.T) {
	base := Discount{Code: "X", Type: Fixed, Value: decimal.NewFromInt(5), Active: true}

	notStarted := base
	notStarted.StartsAt = ptr(now.Add(time.Hour))
	zero := base
	zero.Value = decimal.Zero

	cases := map[string]struct {
		d      Discount
		reason string
	}{
		"not started": {notStarted, "not yet valid"},
		"zero value":  {zero, "value must be positive"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			err := Eligibility(c.d, 100, now)
			require.ErrorIs(t, err, apperr.ErrInvalidDiscount)
			var de *DiscountError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, c.reason, de.Reason)
		})
	}

	assert.NoError(t, Eligibility(base, 100, now))
}

func TestVerifyTotalsDetectsDrift(t *testing.T) {
	lines := []Line{{SKU: "A", Quantity: 3, UnitPrice: 10}}

	err := VerifyTotals(lines, Totals{Subtotal: 31, DiscountAmount: 0, Total: 31})
	assert.ErrorIs(t, err, apperr.ErrInvariant)

	err = VerifyTotals(lines, Totals{Subtotal: 30, DiscountAmount: 5, Total: 30})
	assert.ErrorIs(t, err, apperr.ErrInvariant)
}
