// Package catalog answers the read-only questions order placement asks
// about stores, customers, sellable SKUs and discount codes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sokoby/checkout/internal/apperr"
	"github.com/sokoby/checkout/internal/pricing"
)

type Store struct {
	ID       string
	Name     string
	Currency string
}

// SKU is a sellable unit: exactly one of ProductID and VariantID is set.
type SKU struct {
	Code       string
	StoreID    string
	ProductID  string
	VariantID  string
	PriceCents int64
	Active     bool
}

type PGCatalog struct{ DB *pgxpool.Pool }

func (c *PGCatalog) Store(ctx context.Context, id string) (Store, error) {
	var s Store
	err := c.DB.QueryRow(ctx, `SELECT id, name, currency FROM stores WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return Store{}, apperr.NotFoundf("store %s", id)
	}
	return s, err
}

func (c *PGCatalog) CustomerExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := c.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (c *PGCatalog) SKU(ctx context.Context, storeID, code string) (SKU, error) {
	var (
		s                    SKU
		productID, variantID *string
	)
	err := c.DB.QueryRow(ctx, `
		SELECT code, store_id, product_id, variant_id, price_cents, active
		FROM skus WHERE store_id = $1 AND code = $2`, storeID, code).
		Scan(&s.Code, &s.StoreID, &productID, &variantID, &s.PriceCents, &s.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return SKU{}, apperr.NotFoundf("sku %s in store %s", code, storeID)
	}
	if err != nil {
		return SKU{}, err
	}
	if productID != nil {
		s.ProductID = *productID
	}
	if variantID != nil {
		s.VariantID = *variantID
	}
	return s, nil
}

func (c *PGCatalog) Discount(ctx context.Context, storeID, code string) (pricing.Discount, error) {
	var (
		d        pricing.Discount
		kind     string
		value    string
		minOrder *int64
		starts   *time.Time
		ends     *time.Time
	)
	err := c.DB.QueryRow(ctx, `
		SELECT code, type, value::text, min_order_cents, starts_at, ends_at, active
		FROM discounts WHERE store_id = $1 AND code = $2`, storeID, code).
		Scan(&d.Code, &kind, &value, &minOrder, &starts, &ends, &d.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return pricing.Discount{}, apperr.NotFoundf("discount %s in store %s", code, storeID)
	}
	if err != nil {
		return pricing.Discount{}, err
	}
	if d.Value, err = decimal.NewFromString(value); err != nil {
		return pricing.Discount{}, fmt.Errorf("discount %s value %q: %w", code, value, err)
	}
	d.Type = pricing.DiscountType(kind)
	d.MinOrderAmount = minOrder
	d.StartsAt = starts
	d.EndsAt = ends
	return d, nil
}
