package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sokoby/checkout/internal/apperr"
)

type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]Payment
	byOrder  map[string]string
	byCorrID map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     map[string]Payment{},
		byOrder:  map[string]string{},
		byCorrID: map[string]string{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, p Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byOrder[p.OrderID]; ok {
		return fmt.Errorf("%w: order %s", apperr.ErrDuplicatePayment, p.OrderID)
	}
	if _, ok := m.byCorrID[p.SessionID]; ok {
		return apperr.Invariantf("session %s already belongs to a payment", p.SessionID)
	}
	m.byID[p.ID] = p
	m.byOrder[p.OrderID] = p.ID
	m.byCorrID[p.SessionID] = p.ID
	if p.PaymentIntentID != "" {
		m.byCorrID[p.PaymentIntentID] = p.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Payment, error) {
	if err := ctx.Err(); err != nil {
		return Payment{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return Payment{}, fmt.Errorf("%w: id %s", apperr.ErrPaymentNotFound, id)
	}
	return p, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (Payment, error) {
	m.mu.Lock()
	id, ok := m.byOrder[orderID]
	m.mu.Unlock()
	if !ok {
		return Payment{}, fmt.Errorf("%w: order %s", apperr.ErrPaymentNotFound, orderID)
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) FindByCorrelation(ctx context.Context, correlationID string) (Payment, error) {
	m.mu.Lock()
	id, ok := m.byCorrID[correlationID]
	m.mu.Unlock()
	if !ok || correlationID == "" {
		return Payment{}, fmt.Errorf("%w: correlation %s", apperr.ErrPaymentNotFound, correlationID)
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, expected, next Status, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return false, fmt.Errorf("%w: id %s", apperr.ErrPaymentNotFound, id)
	}
	if p.Status != expected {
		return false, nil
	}
	p.Status = next
	p.FailureReason = reason
	p.UpdatedAt = time.Now().UTC()
	m.byID[id] = p
	return true, nil
}

func (m *MemoryStore) AttachIntent(ctx context.Context, id, intentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %s", apperr.ErrPaymentNotFound, id)
	}
	if p.PaymentIntentID != "" {
		return nil
	}
	p.PaymentIntentID = intentID
	m.byID[id] = p
	m.byCorrID[intentID] = id
	return nil
}
