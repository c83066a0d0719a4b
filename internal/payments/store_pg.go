package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sokoby/checkout/internal/apperr"
)

const uniqueViolation = "23505"

type PGStore struct{ DB *pgxpool.Pool }

func (r *PGStore) Create(ctx context.Context, p Payment) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO payments(id, order_id, session_id, payment_intent_id, amount_cents, currency,
		                     status, failure_reason, redirect_url, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9, $10, $11)`,
		p.ID, p.OrderID, p.SessionID, p.PaymentIntentID, p.Amount, p.Currency,
		string(p.Status), p.FailureReason, p.RedirectURL, p.CreatedAt, p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "payments_order_id_key" {
		return fmt.Errorf("%w: order %s", apperr.ErrDuplicatePayment, p.OrderID)
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

const selectPayment = `
	SELECT id, order_id, session_id, COALESCE(payment_intent_id, ''), amount_cents, currency,
	       status, COALESCE(failure_reason, ''), COALESCE(redirect_url, ''), created_at, updated_at
	FROM payments `

func (r *PGStore) Get(ctx context.Context, id string) (Payment, error) {
	return r.one(ctx, selectPayment+`WHERE id = $1`, id)
}

func (r *PGStore) GetByOrder(ctx context.Context, orderID string) (Payment, error) {
	return r.one(ctx, selectPayment+`WHERE order_id = $1`, orderID)
}

func (r *PGStore) FindByCorrelation(ctx context.Context, correlationID string) (Payment, error) {
	if correlationID == "" {
		return Payment{}, fmt.Errorf("%w: empty correlation id", apperr.ErrPaymentNotFound)
	}
	return r.one(ctx, selectPayment+`WHERE session_id = $1 OR payment_intent_id = $1 LIMIT 1`, correlationID)
}

// CompareAndSetStatus moves the payment from expected to next in one
// statement; false means another writer got there first.
func (r *PGStore) CompareAndSetStatus(ctx context.Context, id string, expected, next Status, reason string) (bool, error) {
	tag, err := r.DB.Exec(ctx, `
		UPDATE payments SET status = $3, failure_reason = NULLIF($4, ''), updated_at = now()
		WHERE id = $1 AND status = $2`, id, string(expected), string(next), reason)
	if err != nil {
		return false, fmt.Errorf("update payment %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGStore) AttachIntent(ctx context.Context, id, intentID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE payments SET payment_intent_id = $2, updated_at = now()
		WHERE id = $1 AND payment_intent_id IS NULL`, id, intentID)
	return err
}

func (r *PGStore) one(ctx context.Context, sql string, arg string) (Payment, error) {
	var (
		p      Payment
		status string
	)
	err := r.DB.QueryRow(ctx, sql, arg).Scan(&p.ID, &p.OrderID, &p.SessionID, &p.PaymentIntentID,
		&p.Amount, &p.Currency, &status, &p.FailureReason, &p.RedirectURL, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, fmt.Errorf("%w: %s", apperr.ErrPaymentNotFound, arg)
	}
	if err != nil {
		return Payment{}, err
	}
	p.Status = Status(status)
	return p, nil
}
