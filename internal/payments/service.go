package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/apperr"
	"github.com/sokoby/checkout/internal/gateway"
	"github.com/sokoby/checkout/internal/orders"
)

type Store interface {
	// Create fails with apperr.ErrDuplicatePayment when the order already has a payment.
	Create(ctx context.Context, p Payment) error
	Get(ctx context.Context, id string) (Payment, error)
	GetByOrder(ctx context.Context, orderID string) (Payment, error)
	// FindByCorrelation matches a gateway session id or payment intent id.
	FindByCorrelation(ctx context.Context, correlationID string) (Payment, error)
	CompareAndSetStatus(ctx context.Context, id string, expected, next Status, reason string) (bool, error)
	AttachIntent(ctx context.Context, id, intentID string) error
}

type Gateway interface {
	CreateSession(ctx context.Context, req gateway.SessionRequest) (gateway.Session, error)
	RetrieveOutcome(ctx context.Context, sessionID string) (gateway.Outcome, error)
}

// orderIDPlaceholder in a success or cancel URL is replaced by the order id.
const orderIDPlaceholder = "{ORDER_ID}"

type Service struct {
	store      Store
	gw         Gateway
	successURL string
	cancelURL  string
	log        *zap.Logger
	now        func() time.Time
}

func NewService(store Store, gw Gateway, successURL, cancelURL string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:      store,
		gw:         gw,
		successURL: successURL,
		cancelURL:  cancelURL,
		log:        log.Named("payments"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start opens a gateway session for the order and records its PENDING payment.
func (s *Service) Start(ctx context.Context, orderID string, amount int64, currency string) (Payment, error) {
	if _, err := s.store.GetByOrder(ctx, orderID); err == nil {
		return Payment{}, fmt.Errorf("%w: order %s", apperr.ErrDuplicatePayment, orderID)
	} else if !errors.Is(err, apperr.ErrPaymentNotFound) {
		return Payment{}, err
	}

	sess, err := s.gw.CreateSession(ctx, gateway.SessionRequest{
		Amount:     amount,
		Currency:   currency,
		OrderRef:   orderID,
		SuccessURL: strings.ReplaceAll(s.successURL, orderIDPlaceholder, orderID),
		CancelURL:  strings.ReplaceAll(s.cancelURL, orderIDPlaceholder, orderID),
	})
	if err != nil {
		return Payment{}, err
	}

	now := s.now()
	p := Payment{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		SessionID:   sess.ID,
		Amount:      amount,
		Currency:    currency,
		Status:      StatusPending,
		RedirectURL: sess.RedirectURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return Payment{}, err
	}
	s.log.Info("payment session opened",
		zap.String("order_id", orderID),
		zap.String("payment_id", p.ID),
		zap.String("session_id", p.SessionID),
	)
	return p, nil
}

// StartPayment lets the order lifecycle open checkout without knowing about
// payments.
func (s *Service) StartPayment(ctx context.Context, o orders.Order) (orders.PaymentRef, error) {
	p, err := s.Start(ctx, o.ID, o.TotalAmount, o.Currency)
	if err != nil {
		return orders.PaymentRef{}, err
	}
	return orders.PaymentRef{PaymentID: p.ID, SessionID: p.SessionID, RedirectURL: p.RedirectURL}, nil
}

func (s *Service) GetByOrder(ctx context.Context, orderID string) (Payment, error) {
	return s.store.GetByOrder(ctx, orderID)
}
