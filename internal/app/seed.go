package app

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/sokoby/checkout/internal/catalog"
	"github.com/sokoby/checkout/internal/inventory"
	"github.com/sokoby/checkout/internal/pricing"
)

const (
	DemoStoreID    = "demo-store"
	DemoCustomerID = "demo-customer"
)

// seedDemo fills an empty memory catalog so a local run can place orders.
func seedDemo(ctx context.Context, cat *catalog.Memory, ledger *inventory.Ledger, currency string) error {
	cat.AddStore(catalog.Store{ID: DemoStoreID, Name: "Demo Store", Currency: currency})
	cat.AddCustomer(DemoCustomerID)
	cat.AddSKU(catalog.SKU{Code: "TEE-BLK-M", StoreID: DemoStoreID, VariantID: "tee-black-m", PriceCents: 2500, Active: true})
	cat.AddSKU(catalog.SKU{Code: "MUG-01", StoreID: DemoStoreID, ProductID: "mug", PriceCents: 1200, Active: true})
	cat.AddDiscount(DemoStoreID, pricing.Discount{
		Code:   "WELCOME10",
		Type:   pricing.Percentage,
		Value:  decimal.NewFromInt(10),
		Active: true,
	})

	stock := []struct {
		sku, location string
		priority, qty int
	}{
		{"TEE-BLK-M", "warehouse", 1, 20},
		{"TEE-BLK-M", "store-front", 2, 5},
		{"MUG-01", "warehouse", 1, 50},
	}
	for _, s := range stock {
		if err := ledger.SetStock(ctx, s.sku, s.location, s.priority, s.qty); err != nil {
			return err
		}
	}
	return nil
}
