package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

const consumptionColumns = `id, uid, credits_used, reason, request_id, refunded, created_at`

// PostgresStore is the durable Store. Debits use a conditional UPDATE so the
// balance check and decrement happen in one statement under the row lock.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) EnsureUser(ctx context.Context, userID string, email *string) (*User, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// Only touch the row when the email actually changes.
	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO users (uid, email)
		VALUES ($1, $2)
		ON CONFLICT (uid) DO UPDATE
		SET email = EXCLUDED.email, updated_at = NOW()
		WHERE EXCLUDED.email IS NOT NULL AND users.email IS DISTINCT FROM EXCLUDED.email
	`, userID, email)
	if err != nil {
		return nil, fmt.Errorf("%w: ensure user: %v", ErrInternal, err)
	}

	return r.getUser(ctx2, userID)
}

func (r *PostgresStore) GetUser(ctx context.Context, userID string) (*User, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return r.getUser(ctx2, userID)
}

func (r *PostgresStore) getUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := r.db.GetContext(ctx, &u, `
		SELECT uid, email, credits, created_at, updated_at
		FROM users
		WHERE uid = $1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: get user: %v", ErrInternal, err)
	}
	return &u, nil
}

func (r *PostgresStore) Debit(ctx context.Context, userID string, amount int64, reason string) (*Consumption, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx2, `
		UPDATE users
		SET credits = credits - $2, updated_at = NOW()
		WHERE uid = $1 AND credits >= $2
	`, userID, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: update user balance: %v", ErrInternal, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return nil, ErrInsufficientCredit
	}

	c, err := insertConsumption(ctx2, tx, userID, amount, strPtr(reason), nil, false)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return c, nil
}

func (r *PostgresStore) AttachRequest(ctx context.Context, consumptionID int64, requestID string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE consumptions
		SET request_id = $2
		WHERE id = $1 AND credits_used > 0 AND request_id IS NULL
	`, consumptionID, requestID)
	if err != nil {
		return fmt.Errorf("%w: attach request: %v", ErrInternal, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows > 0 {
		return nil
	}

	var existing sql.NullString
	err = r.db.GetContext(ctx2, &existing, `
		SELECT request_id FROM consumptions WHERE id = $1 AND credits_used > 0
	`, consumptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConsumptionNotFound
		}
		return fmt.Errorf("%w: load consumption: %v", ErrInternal, err)
	}
	if existing.Valid && existing.String == requestID {
		return nil
	}
	return ErrRequestAttached
}

func (r *PostgresStore) Refund(ctx context.Context, consumptionID int64, reason string) (*Consumption, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	reversal, err := r.refund(ctx2, `id = $1`, consumptionID, reason)
	if err != nil || reversal != nil {
		return reversal, err
	}

	// Nothing flipped: either already refunded or no such debit.
	var exists bool
	err = r.db.GetContext(ctx2, &exists, `
		SELECT EXISTS (SELECT 1 FROM consumptions WHERE id = $1 AND credits_used > 0)
	`, consumptionID)
	if err != nil {
		return nil, fmt.Errorf("%w: check consumption: %v", ErrInternal, err)
	}
	if !exists {
		return nil, ErrConsumptionNotFound
	}
	return nil, nil
}

func (r *PostgresStore) RefundByRequest(ctx context.Context, requestID, reason string) (*Consumption, error) {
	if requestID == "" {
		return nil, nil
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return r.refund(ctx2, `id = (
			SELECT id FROM consumptions
			WHERE request_id = $1 AND credits_used > 0 AND refunded = FALSE
			ORDER BY id
			LIMIT 1
		)`, requestID, reason)
}

// refund flips refunded on the debit selected by where/arg, credits the balance back
// and appends the reversal row, all in one transaction. Returns (nil, nil) if no
// unrefunded debit matched. The refunded = FALSE guard is re-checked after the row
// lock, so concurrent refunds of the same debit apply once.
func (r *PostgresStore) refund(ctx context.Context, where string, arg interface{}, reason string) (*Consumption, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	var debit Consumption
	err = tx.GetContext(ctx, &debit, `
		UPDATE consumptions
		SET refunded = TRUE
		WHERE `+where+` AND credits_used > 0 AND refunded = FALSE
		RETURNING `+consumptionColumns, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: mark refunded: %v", ErrInternal, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET credits = credits + $2, updated_at = NOW()
		WHERE uid = $1
	`, debit.UserID, debit.CreditsUsed)
	if err != nil {
		return nil, fmt.Errorf("%w: restore balance: %v", ErrInternal, err)
	}

	reversal, err := insertConsumption(ctx, tx, debit.UserID, -debit.CreditsUsed, strPtr(reason), debit.RequestID, true)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return reversal, nil
}

func (r *PostgresStore) Grant(ctx context.Context, req GrantRequest) (*Charge, error) {
	if req.Credits <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx2, `
		INSERT INTO users (uid, email)
		VALUES ($1, $2)
		ON CONFLICT (uid) DO UPDATE
		SET email = EXCLUDED.email, updated_at = NOW()
		WHERE EXCLUDED.email IS NOT NULL AND users.email IS DISTINCT FROM EXCLUDED.email
	`, req.UserID, req.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: ensure user: %v", ErrInternal, err)
	}

	var ch Charge
	err = tx.GetContext(ctx2, &ch, `
		INSERT INTO charges (id, uid, plan_id, quantity, credits_added, amount_total, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, uid, plan_id, quantity, credits_added, amount_total, currency, created_at
	`, req.EventID, req.UserID, req.PlanID, req.Quantity, req.Credits, req.AmountTotal, req.Currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDuplicateEvent
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateEvent
		}
		return nil, fmt.Errorf("%w: insert charge: %v", ErrInternal, err)
	}

	_, err = tx.ExecContext(ctx2, `
		UPDATE users
		SET credits = credits + $2, updated_at = NOW()
		WHERE uid = $1
	`, req.UserID, req.Credits)
	if err != nil {
		return nil, fmt.Errorf("%w: credit balance: %v", ErrInternal, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return &ch, nil
}

func (r *PostgresStore) ListCharges(ctx context.Context, userID string, limit int) ([]Charge, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	charges := make([]Charge, 0)
	err := r.db.SelectContext(ctx2, &charges, `
		SELECT id, uid, plan_id, quantity, credits_added, amount_total, currency, created_at
		FROM charges
		WHERE uid = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list charges: %v", ErrInternal, err)
	}
	return charges, nil
}

func (r *PostgresStore) ListConsumptions(ctx context.Context, userID string, limit int) ([]Consumption, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	consumptions := make([]Consumption, 0)
	err := r.db.SelectContext(ctx2, &consumptions, `
		SELECT `+consumptionColumns+`
		FROM consumptions
		WHERE uid = $1
		ORDER BY id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list consumptions: %v", ErrInternal, err)
	}
	return consumptions, nil
}

func (r *PostgresStore) ListUnsettledDebits(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]Consumption, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	consumptions := make([]Consumption, 0)
	err := r.db.SelectContext(ctx2, &consumptions, `
		SELECT `+consumptionColumns+`
		FROM consumptions
		WHERE credits_used > 0 AND refunded = FALSE
		  AND created_at >= $1 AND created_at < $2
		  AND id > $3
		ORDER BY id
		LIMIT $4
	`, from, to, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list unsettled debits: %v", ErrInternal, err)
	}
	return consumptions, nil
}

func insertConsumption(ctx context.Context, tx *sqlx.Tx, userID string, credits int64, reason, requestID *string, refunded bool) (*Consumption, error) {
	var c Consumption
	err := tx.GetContext(ctx, &c, `
		INSERT INTO consumptions (uid, credits_used, reason, request_id, refunded)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+consumptionColumns,
		userID, credits, reason, requestID, refunded)
	if err != nil {
		return nil, fmt.Errorf("%w: insert consumption: %v", ErrInternal, err)
	}
	return &c, nil
}
