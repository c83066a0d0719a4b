package catalog

import (
	"context"
	"sync"

	"github.com/sokoby/checkout/internal/apperr"
	"github.com/sokoby/checkout/internal/pricing"
)

// Memory is an in-process catalog for local runs and tests.
type Memory struct {
	mu        sync.RWMutex
	stores    map[string]Store
	customers map[string]bool
	skus      map[string]SKU              // key: store + "/" + code
	discounts map[string]pricing.Discount // key: store + "/" + code
}

func NewMemory() *Memory {
	return &Memory{
		stores:    map[string]Store{},
		customers: map[string]bool{},
		skus:      map[string]SKU{},
		discounts: map[string]pricing.Discount{},
	}
}

func (m *Memory) AddStore(s Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[s.ID] = s
}

func (m *Memory) AddCustomer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[id] = true
}

func (m *Memory) AddSKU(s SKU) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skus[s.StoreID+"/"+s.Code] = s
}

func (m *Memory) AddDiscount(storeID string, d pricing.Discount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discounts[storeID+"/"+d.Code] = d
}

func (m *Memory) Store(_ context.Context, id string) (Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[id]
	if !ok {
		return Store{}, apperr.NotFoundf("store %s", id)
	}
	return s, nil
}

func (m *Memory) CustomerExists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.customers[id], nil
}

func (m *Memory) SKU(_ context.Context, storeID, code string) (SKU, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.skus[storeID+"/"+code]
	if !ok {
		return SKU{}, apperr.NotFoundf("sku %s in store %s", code, storeID)
	}
	return s, nil
}

func (m *Memory) Discount(_ context.Context, storeID, code string) (pricing.Discount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.discounts[storeID+"/"+code]
	if !ok {
		return pricing.Discount{}, apperr.NotFoundf("discount %s in store %s", code, storeID)
	}
	return d, nil
}
