package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/catalog"
	"github.com/sokoby/checkout/internal/inventory"
)

func TestSeedDemo(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory()
	ledger := inventory.NewLedger(inventory.NewMemoryStore(), zap.NewNop())

	require.NoError(t, seedDemo(ctx, cat, ledger, "EUR"))

	store, err := cat.Store(ctx, DemoStoreID)
	require.NoError(t, err)
	assert.Equal(t, "EUR", store.Currency)

	ok, err := cat.CustomerExists(ctx, DemoCustomerID)
	require.NoError(t, err)
	assert.True(t, ok)

	avail, err := ledger.Available(ctx, "TEE-BLK-M")
	require.NoError(t, err)
	assert.Equal(t, 25, avail)

	d, err := cat.Discount(ctx, DemoStoreID, "WELCOME10")
	require.NoError(t, err)
	assert.True(t, d.Active)
}
