package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	insertReconciliationRunSQL = `INSERT INTO reconciliation_runs (
        tenant_id,
        window_start,
        window_end,
        total_payments,
        matched_count,
        orphan_count,
        discrepancy_value,
        accuracy_pct,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    RETURNING id;`

	listRunsBetweenSQL = `SELECT
        id, tenant_id, window_start, window_end, total_payments,
        matched_count, orphan_count, discrepancy_value, accuracy_pct, created_at
    FROM reconciliation_runs
    WHERE tenant_id = $1
      AND created_at >= $2
      AND created_at < $3
    ORDER BY created_at;`

	listRecentRunsSQL = `SELECT
        id, tenant_id, window_start, window_end, total_payments,
        matched_count, orphan_count, discrepancy_value, accuracy_pct, created_at
    FROM reconciliation_runs
    ORDER BY created_at DESC
    LIMIT $1;`
)

// ReconciliationHistory persists per-tenant reconciliation outcomes.
type ReconciliationHistory interface {
	InsertReconciliationRun(ctx context.Context, run ReconciliationRun) (int64, error)
	ListRunsBetween(ctx context.Context, tenantID string, from, to time.Time) ([]ReconciliationRun, error)
	ListRecentRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}

// InsertReconciliationRun records one reconciliation pass.
func (s *Store) InsertReconciliationRun(ctx context.Context, run ReconciliationRun) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertReconciliationRunSQL,
		run.TenantID,
		run.WindowStart,
		run.WindowEnd,
		run.TotalPayments,
		run.MatchedCount,
		run.OrphanCount,
		run.DiscrepancyValue.String(),
		run.AccuracyPct.String(),
		run.CreatedAt,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert reconciliation run: %w", scanErr)
	}
	return id, nil
}

// ListRunsBetween lists a tenant's runs within a time window.
func (s *Store) ListRunsBetween(ctx context.Context, tenantID string, from, to time.Time) ([]ReconciliationRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRunsBetweenSQL, tenantID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list reconciliation runs: %w", queryErr)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListRecentRuns lists the most recent runs across all tenants.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]ReconciliationRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent reconciliation runs: %w", queryErr)
	}
	defer rows.Close()

	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]ReconciliationRun, error) {
	runs := make([]ReconciliationRun, 0)
	for rows.Next() {
		var (
			run            ReconciliationRun
			discrepancyStr string
			accuracyStr    string
		)
		if err := rows.Scan(
			&run.ID,
			&run.TenantID,
			&run.WindowStart,
			&run.WindowEnd,
			&run.TotalPayments,
			&run.MatchedCount,
			&run.OrphanCount,
			&discrepancyStr,
			&accuracyStr,
			&run.CreatedAt,
		); err != nil {
			return nil, err
		}

		var err error
		if run.DiscrepancyValue, err = decimal.NewFromString(discrepancyStr); err != nil {
			return nil, fmt.Errorf("parse discrepancy value: %w", err)
		}
		if run.AccuracyPct, err = decimal.NewFromString(accuracyStr); err != nil {
			return nil, fmt.Errorf("parse accuracy pct: %w", err)
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

var _ ReconciliationHistory = (*Store)(nil)
