package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	insertFailedTransactionSQL = `INSERT INTO failed_transactions (
        id,
        payment_id,
        tenant_id,
        customer_id,
        original_amount,
        currency,
        last_error,
        attempts,
        status,
        priority,
        next_retry_at,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    );`

	findActiveByPaymentSQL = `SELECT
        id, payment_id, tenant_id, customer_id, original_amount, currency,
        last_error, attempts, status, priority, next_retry_at,
        recovered_venue, recovered_order, resolved_at, created_at, updated_at
    FROM failed_transactions
    WHERE payment_id = $1
      AND status IN ('pending', 'retrying')
    LIMIT 1;`

	getFailedTransactionSQL = `SELECT
        id, payment_id, tenant_id, customer_id, original_amount, currency,
        last_error, attempts, status, priority, next_retry_at,
        recovered_venue, recovered_order, resolved_at, created_at, updated_at
    FROM failed_transactions
    WHERE id = $1;`

	listDueForRetrySQL = `SELECT
        id, payment_id, tenant_id, customer_id, original_amount, currency,
        last_error, attempts, status, priority, next_retry_at,
        recovered_venue, recovered_order, resolved_at, created_at, updated_at
    FROM failed_transactions
    WHERE status IN ('pending', 'retrying')
      AND next_retry_at <= $1
    ORDER BY
        CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 ELSE 2 END,
        created_at;`

	listRecentFailedSQL = `SELECT
        id, payment_id, tenant_id, customer_id, original_amount, currency,
        last_error, attempts, status, priority, next_retry_at,
        recovered_venue, recovered_order, resolved_at, created_at, updated_at
    FROM failed_transactions
    ORDER BY updated_at DESC
    LIMIT $1;`

	// Attempts acts as the optimistic-concurrency token: a concurrent
	// worker that already advanced the record makes this a no-op.
	updateFailedTransactionSQL = `UPDATE failed_transactions
    SET last_error      = $3,
        attempts        = $4,
        status          = $5,
        priority        = $6,
        next_retry_at   = $7,
        recovered_venue = $8,
        recovered_order = $9,
        resolved_at     = $10,
        updated_at      = $11
    WHERE id = $1
      AND attempts = $2
      AND status IN ('pending', 'retrying');`
)

// RecoveryStore is the FailedTransaction persistence contract.
type RecoveryStore interface {
	CreateFailedTransaction(ctx context.Context, tx FailedTransaction) error
	GetFailedTransaction(ctx context.Context, id string) (FailedTransaction, error)
	FindActiveByPaymentID(ctx context.Context, paymentID string) (FailedTransaction, error)
	ListDueForRetry(ctx context.Context, now time.Time) ([]FailedTransaction, error)
	ListRecentFailedTransactions(ctx context.Context, limit int) ([]FailedTransaction, error)
	// UpdateFailedTransaction applies tx guarded by expectedAttempts;
	// returns ErrConflict when another writer advanced the record first.
	UpdateFailedTransaction(ctx context.Context, tx FailedTransaction, expectedAttempts int) error
}

// CreateFailedTransaction persists a new recovery record.
func (s *Store) CreateFailedTransaction(ctx context.Context, tx FailedTransaction) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertFailedTransactionSQL,
		tx.ID,
		tx.PaymentID,
		tx.TenantID,
		tx.CustomerID,
		tx.OriginalAmount.String(),
		tx.Currency,
		tx.LastError,
		tx.Attempts,
		tx.Status,
		tx.Priority,
		tx.NextRetryAt,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert failed transaction: %w", execErr)
	}
	return nil
}

// GetFailedTransaction fetches one record by id.
func (s *Store) GetFailedTransaction(ctx context.Context, id string) (FailedTransaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return FailedTransaction{}, err
	}

	row := pool.QueryRow(ctx, getFailedTransactionSQL, id)
	tx, err := scanFailedTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return FailedTransaction{}, fmt.Errorf("failed transaction %s: %w", id, ErrNotFound)
	}
	return tx, err
}

// FindActiveByPaymentID resolves the dedup invariant: at most one active
// record per payment.
func (s *Store) FindActiveByPaymentID(ctx context.Context, paymentID string) (FailedTransaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return FailedTransaction{}, err
	}

	row := pool.QueryRow(ctx, findActiveByPaymentSQL, paymentID)
	tx, err := scanFailedTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return FailedTransaction{}, fmt.Errorf("active record for payment %s: %w", paymentID, ErrNotFound)
	}
	return tx, err
}

// ListDueForRetry returns non-terminal records due at now, highest
// priority first, oldest first within a priority.
func (s *Store) ListDueForRetry(ctx context.Context, now time.Time) ([]FailedTransaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDueForRetrySQL, now)
	if queryErr != nil {
		return nil, fmt.Errorf("list due for retry: %w", queryErr)
	}
	defer rows.Close()

	return collectFailedTransactions(rows)
}

// ListRecentFailedTransactions lists the most recently touched records.
func (s *Store) ListRecentFailedTransactions(ctx context.Context, limit int) ([]FailedTransaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentFailedSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent failed transactions: %w", queryErr)
	}
	defer rows.Close()

	return collectFailedTransactions(rows)
}

// UpdateFailedTransaction applies the mutation only if the record still
// carries expectedAttempts and is non-terminal.
func (s *Store) UpdateFailedTransaction(ctx context.Context, tx FailedTransaction, expectedAttempts int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var recoveredVenue, recoveredOrder any
	if tx.RecoveredVenue != "" {
		recoveredVenue = tx.RecoveredVenue
	}
	if tx.RecoveredOrder != "" {
		recoveredOrder = tx.RecoveredOrder
	}

	cmdTag, execErr := pool.Exec(ctx, updateFailedTransactionSQL,
		tx.ID,
		expectedAttempts,
		tx.LastError,
		tx.Attempts,
		tx.Status,
		tx.Priority,
		tx.NextRetryAt,
		recoveredVenue,
		recoveredOrder,
		tx.ResolvedAt,
		tx.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("update failed transaction: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("failed transaction %s at attempts %d: %w", tx.ID, expectedAttempts, ErrConflict)
	}
	return nil
}

func collectFailedTransactions(rows pgx.Rows) ([]FailedTransaction, error) {
	records := make([]FailedTransaction, 0)
	for rows.Next() {
		tx, scanErr := scanFailedTransaction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, tx)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanFailedTransaction(row pgx.Row) (FailedTransaction, error) {
	var (
		tx             FailedTransaction
		amountStr      string
		recoveredVenue *string
		recoveredOrder *string
	)
	if err := row.Scan(
		&tx.ID,
		&tx.PaymentID,
		&tx.TenantID,
		&tx.CustomerID,
		&amountStr,
		&tx.Currency,
		&tx.LastError,
		&tx.Attempts,
		&tx.Status,
		&tx.Priority,
		&tx.NextRetryAt,
		&recoveredVenue,
		&recoveredOrder,
		&tx.ResolvedAt,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	); err != nil {
		return FailedTransaction{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return FailedTransaction{}, fmt.Errorf("parse original amount: %w", err)
	}
	tx.OriginalAmount = amount
	if recoveredVenue != nil {
		tx.RecoveredVenue = *recoveredVenue
	}
	if recoveredOrder != nil {
		tx.RecoveredOrder = *recoveredOrder
	}
	return tx, nil
}

var _ RecoveryStore = (*Store)(nil)
