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
	insertPurchaseSQL = `INSERT INTO purchases (
        id,
        payment_id,
        tenant_id,
        customer_id,
        fiat_amount,
        bitcoin_amount,
        exchange_rate,
        fees,
        currency,
        venue_id,
        order_id,
        customer_reference,
        status,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    );`

	listCompletedPurchasesSQL = `SELECT
        id, payment_id, tenant_id, customer_id, fiat_amount, bitcoin_amount,
        exchange_rate, fees, currency, venue_id, order_id, customer_reference,
        status, created_at
    FROM purchases
    WHERE tenant_id = $1
      AND status = 'completed'
      AND created_at >= $2
    ORDER BY created_at;`

	findPurchaseByReferenceSQL = `SELECT
        id, payment_id, tenant_id, customer_id, fiat_amount, bitcoin_amount,
        exchange_rate, fees, currency, venue_id, order_id, customer_reference,
        status, created_at
    FROM purchases
    WHERE customer_reference = $1
      AND status <> 'failed'
    ORDER BY created_at
    LIMIT 1;`
)

// PurchaseLedger records and retrieves bitcoin purchases.
type PurchaseLedger interface {
	CreatePurchase(ctx context.Context, purchase Purchase) error
	GetCompletedPurchases(ctx context.Context, tenantID string, since time.Time) ([]Purchase, error)
	FindPurchaseByCustomerReference(ctx context.Context, ref string) (Purchase, error)
}

// CreatePurchase persists a new purchase record.
func (s *Store) CreatePurchase(ctx context.Context, purchase Purchase) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertPurchaseSQL,
		purchase.ID,
		purchase.PaymentID,
		purchase.TenantID,
		purchase.CustomerID,
		purchase.FiatAmount.String(),
		purchase.BitcoinAmount.String(),
		purchase.ExchangeRate.String(),
		purchase.Fees.String(),
		purchase.Currency,
		purchase.VenueID,
		purchase.OrderID,
		purchase.CustomerReference,
		purchase.Status,
		purchase.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert purchase: %w", execErr)
	}
	return nil
}

// GetCompletedPurchases lists a tenant's completed purchases since the cutoff.
func (s *Store) GetCompletedPurchases(ctx context.Context, tenantID string, since time.Time) ([]Purchase, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCompletedPurchasesSQL, tenantID, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list completed purchases: %w", queryErr)
	}
	defer rows.Close()

	purchases := make([]Purchase, 0)
	for rows.Next() {
		purchase, scanErr := scanPurchase(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		purchases = append(purchases, purchase)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return purchases, nil
}

// FindPurchaseByCustomerReference resolves the idempotency key to any
// prior non-failed purchase.
func (s *Store) FindPurchaseByCustomerReference(ctx context.Context, ref string) (Purchase, error) {
	pool, err := s.getPool()
	if err != nil {
		return Purchase{}, err
	}

	row := pool.QueryRow(ctx, findPurchaseByReferenceSQL, ref)
	purchase, err := scanPurchase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Purchase{}, fmt.Errorf("purchase with reference %s: %w", ref, ErrNotFound)
	}
	return purchase, err
}

func scanPurchase(row pgx.Row) (Purchase, error) {
	var (
		purchase   Purchase
		fiatStr    string
		bitcoinStr string
		rateStr    string
		feesStr    string
	)
	if err := row.Scan(
		&purchase.ID,
		&purchase.PaymentID,
		&purchase.TenantID,
		&purchase.CustomerID,
		&fiatStr,
		&bitcoinStr,
		&rateStr,
		&feesStr,
		&purchase.Currency,
		&purchase.VenueID,
		&purchase.OrderID,
		&purchase.CustomerReference,
		&purchase.Status,
		&purchase.CreatedAt,
	); err != nil {
		return Purchase{}, err
	}

	var err error
	if purchase.FiatAmount, err = decimal.NewFromString(fiatStr); err != nil {
		return Purchase{}, fmt.Errorf("parse fiat amount: %w", err)
	}
	if purchase.BitcoinAmount, err = decimal.NewFromString(bitcoinStr); err != nil {
		return Purchase{}, fmt.Errorf("parse bitcoin amount: %w", err)
	}
	if purchase.ExchangeRate, err = decimal.NewFromString(rateStr); err != nil {
		return Purchase{}, fmt.Errorf("parse exchange rate: %w", err)
	}
	if purchase.Fees, err = decimal.NewFromString(feesStr); err != nil {
		return Purchase{}, fmt.Errorf("parse fees: %w", err)
	}
	return purchase, nil
}

var _ PurchaseLedger = (*Store)(nil)
