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
	getPaymentSQL = `SELECT
        id, tenant_id, customer_id, amount, currency, status, created_at
    FROM payments
    WHERE id = $1;`

	listSucceededPaymentsSQL = `SELECT
        id, tenant_id, customer_id, amount, currency, status, created_at
    FROM payments
    WHERE tenant_id = $1
      AND status = 'succeeded'
      AND created_at >= $2
    ORDER BY created_at;`
)

// PaymentLedger is the read-only view of the payment processor's ledger.
type PaymentLedger interface {
	GetPayment(ctx context.Context, id string) (Payment, error)
	GetSucceededPayments(ctx context.Context, tenantID string, since time.Time) ([]Payment, error)
}

// GetPayment fetches one payment by id.
func (s *Store) GetPayment(ctx context.Context, id string) (Payment, error) {
	pool, err := s.getPool()
	if err != nil {
		return Payment{}, err
	}

	row := pool.QueryRow(ctx, getPaymentSQL, id)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return payment, err
}

// GetSucceededPayments lists a tenant's succeeded payments since the cutoff.
func (s *Store) GetSucceededPayments(ctx context.Context, tenantID string, since time.Time) ([]Payment, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSucceededPaymentsSQL, tenantID, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list succeeded payments: %w", queryErr)
	}
	defer rows.Close()

	payments := make([]Payment, 0)
	for rows.Next() {
		payment, scanErr := scanPayment(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		payments = append(payments, payment)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return payments, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		payment   Payment
		amountStr string
	)
	if err := row.Scan(
		&payment.ID,
		&payment.TenantID,
		&payment.CustomerID,
		&amountStr,
		&payment.Currency,
		&payment.Status,
		&payment.CreatedAt,
	); err != nil {
		return Payment{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return Payment{}, fmt.Errorf("parse payment amount: %w", err)
	}
	payment.Amount = amount
	return payment, nil
}

var _ PaymentLedger = (*Store)(nil)
