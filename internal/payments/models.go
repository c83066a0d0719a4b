package payments

import (
	"time"

	"github.com/sokoby/checkout/internal/gateway"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusCanceled Status = "CANCELED"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// statusFor maps a terminal gateway outcome to the payment status it settles to.
func statusFor(k gateway.OutcomeKind) Status {
	switch k {
	case gateway.Succeeded:
		return StatusSuccess
	case gateway.Failed:
		return StatusFailed
	case gateway.Canceled:
		return StatusCanceled
	}
	return StatusPending
}

// Payment is one-to-one with an order. Its status changes only through
// Settlement.
type Payment struct {
	ID              string    `json:"id"`
	OrderID         string    `json:"order_id"`
	SessionID       string    `json:"session_id"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Status          Status    `json:"status"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	RedirectURL     string    `json:"redirect_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// outcome rebuilds the gateway outcome a settled payment was settled with.
func (p Payment) outcome() gateway.Outcome {
	o := gateway.Outcome{Kind: gateway.Pending, Reason: p.FailureReason, PaymentIntentID: p.PaymentIntentID, OrderRef: p.OrderID}
	switch p.Status {
	case StatusSuccess:
		o.Kind = gateway.Succeeded
	case StatusFailed:
		o.Kind = gateway.Failed
	case StatusCanceled:
		o.Kind = gateway.Canceled
	}
	return o
}
