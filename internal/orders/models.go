package orders

import (
	"time"

	"github.com/sokoby/checkout/internal/pricing"
)

type Address struct {
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code" validate:"required"`
	Country    string `json:"country" validate:"required,len=2"`
}

// Line is immutable once captured: UnitPrice is the price at order time.
type Line struct {
	SKU          string `json:"sku"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unit_price"`
	LineSubtotal int64  `json:"line_subtotal"`
}

type Order struct {
	ID              string    `json:"id"`
	StoreID         string    `json:"store_id"`
	CustomerID      string    `json:"customer_id"`
	ShippingAddress Address   `json:"shipping_address"`
	Lines           []Line    `json:"lines"`
	DiscountCode    string    `json:"discount_code,omitempty"`
	Subtotal        int64     `json:"subtotal"`
	DiscountAmount  int64     `json:"discount_amount"`
	TotalAmount     int64     `json:"total_amount"`
	Currency        string    `json:"currency"`
	Status          Status    `json:"status"`
	CancelReason    string    `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (o Order) PricingLines() []pricing.Line {
	out := make([]pricing.Line, 0, len(o.Lines))
	for _, l := range o.Lines {
		out = append(out, pricing.Line{SKU: l.SKU, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	return out
}

func (o Order) Totals() pricing.Totals {
	return pricing.Totals{Subtotal: o.Subtotal, DiscountAmount: o.DiscountAmount, Total: o.TotalAmount}
}

type LineInput struct {
	SKU      string `json:"sku" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

type PlaceInput struct {
	StoreID         string      `json:"store_id" validate:"required"`
	CustomerID      string      `json:"customer_id" validate:"required"`
	ShippingAddress Address     `json:"shipping_address" validate:"required"`
	Lines           []LineInput `json:"lines" validate:"required,min=1,unique=SKU,dive"`
	DiscountCode    string      `json:"discount_code,omitempty"`
}

// PaymentRef is what the customer needs to complete checkout.
type PaymentRef struct {
	PaymentID   string `json:"payment_id"`
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

type Placed struct {
	Order   Order      `json:"order"`
	Payment PaymentRef `json:"payment"`
}
