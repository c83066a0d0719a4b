package inventory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps stock in process memory with one mutex per SKU.
type MemoryStore struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	levels map[string][]Level
	holds  map[string][]Hold // key: ref + "\x00" + sku
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:  map[string]*sync.Mutex{},
		levels: map[string][]Level{},
		holds:  map[string][]Hold{},
	}
}

func holdKey(ref, sku string) string { return ref + "\x00" + sku }

func (m *MemoryStore) skuLock(sku string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[sku]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[sku] = lk
	}
	return lk
}

func (m *MemoryStore) Levels(ctx context.Context, sku string) ([]Level, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.levels[sku]), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, sku, ref string, fn func(*Snapshot) error) error {
	lk := m.skuLock(sku)
	lk.Lock()
	defer lk.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	snap := &Snapshot{SKU: sku, Ref: ref, Levels: slices.Clone(m.levels[sku])}
	if ref != "" {
		snap.Holds = slices.Clone(m.holds[holdKey(ref, sku)])
	}
	m.mu.Unlock()

	if err := fn(snap); err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range snap.Levels {
		snap.Levels[i].UpdatedAt = now
	}
	slices.SortFunc(snap.Levels, func(a, b Level) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.LocationID, b.LocationID)
	})

	m.mu.Lock()
	m.levels[sku] = snap.Levels
	if ref != "" {
		m.holds[holdKey(ref, sku)] = snap.Holds
	}
	m.mu.Unlock()
	return nil
}
