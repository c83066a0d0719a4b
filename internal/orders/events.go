package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	EventOrderPlaced           = "OrderPlaced"
	EventOrderConfirmed        = "OrderConfirmed"
	EventOrderCanceled         = "OrderCanceled"
	EventOrderStatusChanged    = "OrderStatusChanged"
	EventPaymentSucceeded      = "PaymentSucceeded"
	EventPaymentFailed         = "PaymentFailed"
	EventPaymentCanceled       = "PaymentCanceled"
	EventPaymentRefundRequired = "PaymentRefundRequired"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

// Publisher is satisfied by the kafka producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type discardPublisher struct{}

func (discardPublisher) Publish([]byte, []byte, ...kafkago.Header) {}

// Emit wraps payload in a v1 envelope keyed by the order id and publishes it.
func Emit(p Publisher, producer, eventType, orderID, traceID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       body,
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.Publish(PartitionKey(orderID), value,
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	return nil
}

type ItemQty struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

type OrderPlacedPayload struct {
	OrderID     string    `json:"order_id"`
	StoreID     string    `json:"store_id"`
	CustomerID  string    `json:"customer_id"`
	Items       []ItemQty `json:"items"`
	TotalAmount int64     `json:"total_amount"`
	Currency    string    `json:"currency"`
	PlacedAt    time.Time `json:"placed_at"`
}

type OrderStatusPayload struct {
	OrderID string `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

type PaymentSettledPayload struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
}
