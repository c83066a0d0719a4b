package inventory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/apperr"
)

func newLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewLedger(store, zap.NewNop()), store
}

func levelsBySite(t *testing.T, l *Ledger, sku string) map[string]Level {
	t.Helper()
	levels, err := l.Levels(context.Background(), sku)
	require.NoError(t, err)
	out := map[string]Level{}
	for _, lv := range levels {
		out[lv.LocationID] = lv
	}
	return out
}

func TestReserveFillsByPriorityAndSplits(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.SetStock(ctx, "A", "wh-2", 2, 10))
	require.NoError(t, l.SetStock(ctx, "A", "wh-1", 1, 3))

	require.NoError(t, l.Reserve(ctx, "order-1", "A", 5))

	got := levelsBySite(t, l, "A")
	assert.Equal(t, 3, got["wh-1"].Reserved)
	assert.Equal(t, 2, got["wh-2"].Reserved)

	n, err := l.Available(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestReserveIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.SetStock(ctx, "A", "wh-1", 1, 2))
	require.NoError(t, l.SetStock(ctx, "A", "wh-2", 2, 2))

	err := l.Reserve(ctx, "order-1", "A", 5)

	require.ErrorIs(t, err, apperr.ErrInsufficientStock)
	var se *apperr.StockError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 5, se.Requested)
	assert.Equal(t, 4, se.Available)
	for _, lv := range levelsBySite(t, l, "A") {
		assert.Zero(t, lv.Reserved)
	}
}

func TestReleaseReversesReservation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.SetStock(ctx, "A", "wh-1", 1, 3))
	require.NoError(t, l.SetStock(ctx, "A", "wh-2", 2, 3))
	require.NoError(t, l.Reserve(ctx, "order-1", "A", 4))

	require.NoError(t, l.Release(ctx, "order-1", "A", 2))
	got := levelsBySite(t, l, "A")
	assert.Equal(t, 2, got["wh-1"].Reserved, "lower priority location is released first")
	assert.Equal(t, 0, got["wh-2"].Reserved)

	require.NoError(t, l.Release(ctx, "order-1", "A", 2))
	for _, lv := range levelsBySite(t, l, "A") {
		assert.Zero(t, lv.Reserved)
	}
}

func TestReleaseTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.SetStock(ctx, "A", "wh-1", 1, 5))
	require.NoError(t, l.Reserve(ctx, "order-1", "A", 3))

	require.NoError(t, l.Release(ctx, "order-1", "A", 3))
	require.NoError(t, l.Release(ctx, "order-1", "A", 3))

	n, err := l.Available(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestReleaseBeyondHoldIsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.SetStock(ctx, "A", "wh-1", 1, 5))
	require.NoError(t, l.Reserve(ctx, "order-1", "A", 2))
	require.NoError(t, l.Reserve(ctx, "order-2", "A", 2))

	assert.ErrorIs(t, l.Release(ctx, "order-1", "A", 3), apperr.ErrInvariant)
	assert.ErrorIs(t, l.Release(ctx, "order-9", "A", 1), apperr.ErrInvariant)

	got := levelsBySite(t, l, "A")
	assert.Equal(t, 4, got["wh-1"].Reserved, "failed releases leave stock untouched")
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.SetStock(ctx, "A", "wh-1", 1, 5))
	require.NoError(t, l.SetStock(ctx, "A", "wh-2", 2, 1))
	require.NoError(t, l.Reserve(ctx, "order-1", "A", 4))

	require.NoError(t, l.Adjust(ctx, "A", "", 10))
	assert.Equal(t, 15, levelsBySite(t, l, "A")["wh-1"].OnHand)

	err := l.Adjust(ctx, "A", "wh-1", -12)
	assert.ErrorIs(t, err, apperr.ErrInvariant, "on hand may not drop below reserved")

	err = l.Adjust(ctx, "A", "wh-2", -2)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	err = l.Adjust(ctx, "A", "wh-9", 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = l.Adjust(ctx, "B", "", 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestIsAvailable(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.SetStock(ctx, "A", "wh-1", 1, 2))
	require.NoError(t, l.SetStock(ctx, "A", "wh-2", 2, 3))

	ok, err := l.IsAvailable(ctx, "A", 5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.IsAvailable(ctx, "A", 6)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.IsAvailable(ctx, "unknown", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.SetStock(ctx, "A", "wh-1", 1, 7))
	require.NoError(t, l.SetStock(ctx, "A", "wh-2", 2, 8))

	var (
		wg       sync.WaitGroup
		reserved atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := fmt.Sprintf("order-%d", i)
			qty := i%3 + 1
			if err := l.Reserve(ctx, ref, "A", qty); err == nil {
				reserved.Add(int64(qty))
				if i%4 == 0 {
					if err := l.Release(ctx, ref, "A", qty); err == nil {
						reserved.Add(-int64(qty))
					}
				}
			} else {
				assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, lv := range levelsBySite(t, l, "A") {
		assert.LessOrEqual(t, lv.Reserved, lv.OnHand)
		assert.GreaterOrEqual(t, lv.Reserved, 0)
		total += lv.Reserved
	}
	assert.Equal(t, reserved.Load(), int64(total))
}

func TestTwoOrdersCompeteForLastUnits(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.SetStock(ctx, "A", "wh-1", 1, 5))

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Reserve(ctx, fmt.Sprintf("order-%d", i), "A", 3)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, apperr.ErrInsufficientStock)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	n, err := l.Available(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// holdRecorder keeps every hold row a committed mutation would write.
type holdRecorder struct {
	*MemoryStore
	mu      sync.Mutex
	written []Hold
}

func (r *holdRecorder) Mutate(ctx context.Context, sku, ref string, fn func(*Snapshot) error) error {
	return r.MemoryStore.Mutate(ctx, sku, ref, func(s *Snapshot) error {
		if err := fn(s); err != nil {
			return err
		}
		r.mu.Lock()
		r.written = append(r.written, s.Holds...)
		r.mu.Unlock()
		return nil
	})
}

func TestHoldRowsStayStorableThroughFullRelease(t *testing.T) {
	ctx := context.Background()
	rec := &holdRecorder{MemoryStore: NewMemoryStore()}
	l := NewLedger(rec, zap.NewNop())
	require.NoError(t, l.SetStock(ctx, "A", "wh-1", 1, 5))
	require.NoError(t, l.SetStock(ctx, "A", "wh-2", 2, 5))

	require.NoError(t, l.Reserve(ctx, "order-1", "A", 7))
	require.NoError(t, l.Release(ctx, "order-1", "A", 2))
	require.NoError(t, l.Release(ctx, "order-1", "A", 5))
	require.NoError(t, l.Release(ctx, "order-1", "A", 5), "second full release is a no-op")
	require.NoError(t, l.Reserve(ctx, "order-1", "A", 1))

	require.NotEmpty(t, rec.written)
	var released int
	for _, h := range rec.written {
		assert.True(t, h.storable(), "hold %+v", h)
		if h.Status == HoldReleased {
			assert.Zero(t, h.Qty)
			released++
		}
	}
	assert.Positive(t, released, "a full release keeps zero-quantity RELEASED rows")
	assert.Equal(t, 9, mustAvailable(t, l, "A"))
}

func TestHoldStorable(t *testing.T) {
	tests := []struct {
		hold Hold
		want bool
	}{
		{Hold{Qty: 3, Status: HoldReserved}, true},
		{Hold{Qty: 0, Status: HoldReleased}, true},
		{Hold{Qty: 0, Status: HoldReserved}, false},
		{Hold{Qty: -1, Status: HoldReleased}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.hold.storable(), "%+v", tt.hold)
	}
}

func mustAvailable(t *testing.T, l *Ledger, sku string) int {
	t.Helper()
	n, err := l.Available(context.Background(), sku)
	require.NoError(t, err)
	return n
}
