package orders

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sokoby/checkout/internal/apperr"
)

// MemoryStore keeps orders in process memory. Update holds a per-order lock
// for the length of fn, like the row lock of the Postgres store.
type MemoryStore struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	orders map[string]Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: map[string]*sync.Mutex{}, orders: map[string]Order{}}
}

func (m *MemoryStore) Create(ctx context.Context, o Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return apperr.Invariantf("order %s already exists", o.ID)
	}
	o.Lines = slices.Clone(o.Lines)
	m.orders[o.ID] = o
	m.locks[o.ID] = &sync.Mutex{}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, apperr.NotFoundf("order %s", id)
	}
	o.Lines = slices.Clone(o.Lines)
	return o, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*Order) error) (Order, error) {
	m.mu.Lock()
	lk, ok := m.locks[id]
	m.mu.Unlock()
	if !ok {
		return Order{}, apperr.NotFoundf("order %s", id)
	}
	lk.Lock()
	defer lk.Unlock()

	o, err := m.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if err := fn(&o); err != nil {
		return Order{}, err
	}
	o.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.orders[id]
	stored.Status = o.Status
	stored.CancelReason = o.CancelReason
	stored.UpdatedAt = o.UpdatedAt
	m.orders[id] = stored
	return o, nil
}

func (m *MemoryStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []Order
	for _, o := range m.orders {
		if o.Status == StatusPending && o.CreatedAt.Before(before) {
			stale = append(stale, o)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	out := make([]string, 0, min(limit, len(stale)))
	for i := 0; i < len(stale) && i < limit; i++ {
		out = append(out, stale[i].ID)
	}
	return out, nil
}
