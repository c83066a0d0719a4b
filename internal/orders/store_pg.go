package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sokoby/checkout/internal/apperr"
)

type PGStore struct{ DB *pgxpool.Pool }

func (r *PGStore) Create(ctx context.Context, o Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, store_id, customer_id, shipping_address, discount_code,
		                   subtotal_cents, discount_cents, total_cents, currency, status,
		                   cancel_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)`,
		o.ID, o.StoreID, o.CustomerID, addr, o.DiscountCode,
		o.Subtotal, o.DiscountAmount, o.TotalAmount, o.Currency, string(o.Status),
		o.CancelReason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, l := range o.Lines {
		if _, err = tx.Exec(ctx, `
			INSERT INTO order_lines(order_id, line_no, sku, quantity, unit_price_cents, line_subtotal_cents)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			o.ID, i+1, l.SKU, l.Quantity, l.UnitPrice, l.LineSubtotal); err != nil {
			return fmt.Errorf("insert order line %d: %w", i+1, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PGStore) Get(ctx context.Context, id string) (Order, error) {
	return getOrder(ctx, r.DB, id, false)
}

// Update locks the order row for the length of fn and persists the mutable
// header fields (status, cancel reason) when fn returns nil.
func (r *PGStore) Update(ctx context.Context, id string, fn func(*Order) error) (Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := getOrder(ctx, tx, id, true)
	if err != nil {
		return Order{}, err
	}
	if err := fn(&o); err != nil {
		return Order{}, err
	}
	o.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $2, cancel_reason = NULLIF($3, ''), updated_at = $4
		WHERE id = $1`, o.ID, string(o.Status), o.CancelReason, o.UpdatedAt); err != nil {
		return Order{}, fmt.Errorf("update order %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (r *PGStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM orders
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getOrder(ctx context.Context, q querier, id string, lock bool) (Order, error) {
	sql := `
		SELECT id, store_id, customer_id, shipping_address, COALESCE(discount_code, ''),
		       subtotal_cents, discount_cents, total_cents, currency, status,
		       COALESCE(cancel_reason, ''), created_at, updated_at
		FROM orders WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}

	var (
		o      Order
		addr   []byte
		status string
	)
	err := q.QueryRow(ctx, sql, id).Scan(&o.ID, &o.StoreID, &o.CustomerID, &addr, &o.DiscountCode,
		&o.Subtotal, &o.DiscountAmount, &o.TotalAmount, &o.Currency, &status,
		&o.CancelReason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, apperr.NotFoundf("order %s", id)
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
		return Order{}, fmt.Errorf("decode shipping address of %s: %w", id, err)
	}

	rows, err := q.Query(ctx, `
		SELECT sku, quantity, unit_price_cents, line_subtotal_cents
		FROM order_lines WHERE order_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.SKU, &l.Quantity, &l.UnitPrice, &l.LineSubtotal); err != nil {
			return Order{}, err
		}
		o.Lines = append(o.Lines, l)
	}
	return o, rows.Err()
}
