package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/sokoby/checkout/internal/gateway"
)

// Kind is the closed set of event classes the ingress acts on.
type Kind string

const (
	KindCheckoutCompleted Kind = "checkout_completed"
	KindCheckoutExpired   Kind = "checkout_expired"
	KindPaymentSucceeded  Kind = "payment_succeeded"
	KindPaymentFailed     Kind = "payment_failed"
	KindOther             Kind = "other"
)

type Event struct {
	ID   string
	Type string
	Kind Kind
	// CorrelationID is the session or payment intent id the event is about.
	CorrelationID string
	Outcome       gateway.Outcome
}

type rawEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object rawObject `json:"object"`
	} `json:"data"`
}

type rawObject struct {
	ID                string `json:"id"`
	PaymentIntent     string `json:"payment_intent"`
	ClientReferenceID string `json:"client_reference_id"`
	PaymentStatus     string `json:"payment_status"`
	Metadata          struct {
		OrderID string `json:"order_id"`
	} `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// Parse decodes and classifies a gateway event. Unknown types come back as
// KindOther; a completed but unpaid checkout carries a pending outcome.
func Parse(payload []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	obj := raw.Data.Object
	ev := Event{ID: raw.ID, Type: raw.Type, Kind: KindOther}

	switch raw.Type {
	case "checkout.session.completed":
		ev.Kind = KindCheckoutCompleted
		ev.CorrelationID = obj.ID
		ev.Outcome = gateway.Outcome{Kind: gateway.Pending, PaymentIntentID: obj.PaymentIntent, OrderRef: obj.ClientReferenceID}
		if obj.PaymentStatus == "paid" {
			ev.Outcome.Kind = gateway.Succeeded
		}
	case "checkout.session.expired":
		ev.Kind = KindCheckoutExpired
		ev.CorrelationID = obj.ID
		ev.Outcome = gateway.Outcome{Kind: gateway.Canceled, Reason: "checkout session expired", OrderRef: obj.ClientReferenceID}
	case "payment_intent.succeeded":
		ev.Kind = KindPaymentSucceeded
		ev.CorrelationID = obj.ID
		ev.Outcome = gateway.Outcome{Kind: gateway.Succeeded, PaymentIntentID: obj.ID, OrderRef: obj.Metadata.OrderID}
	case "payment_intent.payment_failed":
		ev.Kind = KindPaymentFailed
		ev.CorrelationID = obj.ID
		reason := "payment failed"
		if obj.LastPaymentError != nil && obj.LastPaymentError.Message != "" {
			reason = obj.LastPaymentError.Message
		}
		ev.Outcome = gateway.Outcome{Kind: gateway.Failed, Reason: reason, PaymentIntentID: obj.ID, OrderRef: obj.Metadata.OrderID}
	}
	return ev, nil
}
