package inventory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sokoby/checkout/internal/apperr"
)

type PGStore struct{ DB *pgxpool.Pool }

func (r *PGStore) Levels(ctx context.Context, sku string) ([]Level, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT sku, location_id, priority, on_hand, reserved, updated_at
		FROM stock_levels WHERE sku = $1
		ORDER BY priority, location_id`, sku)
	if err != nil {
		return nil, err
	}
	return scanLevels(rows)
}

// Mutate locks every stock row of the SKU (FOR UPDATE) for the length of one
// transaction; concurrent reservations of the same SKU queue behind it and the
// loser sees the winner's committed counts.
func (r *PGStore) Mutate(ctx context.Context, sku, ref string, fn func(*Snapshot) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT sku, location_id, priority, on_hand, reserved, updated_at
		FROM stock_levels WHERE sku = $1
		ORDER BY priority, location_id
		FOR UPDATE`, sku)
	if err != nil {
		return fmt.Errorf("lock stock %s: %w", sku, err)
	}
	levels, err := scanLevels(rows)
	if err != nil {
		return fmt.Errorf("lock stock %s: %w", sku, err)
	}

	snap := &Snapshot{SKU: sku, Ref: ref, Levels: levels}
	if ref != "" {
		if snap.Holds, err = lockHolds(ctx, tx, ref, sku); err != nil {
			return err
		}
	}

	if err := fn(snap); err != nil {
		return err // rollback via defer
	}

	for _, lv := range snap.Levels {
		if _, err := tx.Exec(ctx, `
			INSERT INTO stock_levels(sku, location_id, priority, on_hand, reserved)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (sku, location_id) DO UPDATE
			SET priority = EXCLUDED.priority, on_hand = EXCLUDED.on_hand,
			    reserved = EXCLUDED.reserved, updated_at = now()`,
			lv.SKU, lv.LocationID, lv.Priority, lv.OnHand, lv.Reserved); err != nil {
			return fmt.Errorf("write stock %s@%s: %w", lv.SKU, lv.LocationID, err)
		}
	}
	for _, h := range snap.Holds {
		if !h.storable() {
			return apperr.Invariantf("hold %s/%s@%s: qty %d with status %s", h.Ref, h.SKU, h.LocationID, h.Qty, h.Status)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO stock_holds(ref, sku, location_id, qty, status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (ref, sku, location_id) DO UPDATE
			SET qty = EXCLUDED.qty, status = EXCLUDED.status, updated_at = now()`,
			h.Ref, h.SKU, h.LocationID, h.Qty, string(h.Status)); err != nil {
			return fmt.Errorf("write hold %s/%s: %w", h.Ref, h.SKU, err)
		}
	}
	return tx.Commit(ctx)
}

func lockHolds(ctx context.Context, tx pgx.Tx, ref, sku string) ([]Hold, error) {
	rows, err := tx.Query(ctx, `
		SELECT ref, sku, location_id, qty, status
		FROM stock_holds WHERE ref = $1 AND sku = $2
		FOR UPDATE`, ref, sku)
	if err != nil {
		return nil, fmt.Errorf("lock holds %s/%s: %w", ref, sku, err)
	}
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		var h Hold
		var status string
		if err := rows.Scan(&h.Ref, &h.SKU, &h.LocationID, &h.Qty, &status); err != nil {
			return nil, err
		}
		h.Status = HoldStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanLevels(rows pgx.Rows) ([]Level, error) {
	defer rows.Close()
	var out []Level
	for rows.Next() {
		var lv Level
		if err := rows.Scan(&lv.SKU, &lv.LocationID, &lv.Priority, &lv.OnHand, &lv.Reserved, &lv.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, lv)
	}
	return out, rows.Err()
}
