package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satbridge/internal/storage"
)

type fakeLedger struct {
	payments  []storage.Payment
	purchases []storage.Purchase
}

func (f *fakeLedger) GetPayment(_ context.Context, id string) (storage.Payment, error) {
	for _, p := range f.payments {
		if p.ID == id {
			return p, nil
		}
	}
	return storage.Payment{}, storage.ErrNotFound
}

func (f *fakeLedger) GetSucceededPayments(_ context.Context, tenantID string, since time.Time) ([]storage.Payment, error) {
	out := make([]storage.Payment, 0)
	for _, p := range f.payments {
		if p.TenantID == tenantID && p.Status == storage.PaymentSucceeded && !p.CreatedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeLedger) CreatePurchase(_ context.Context, purchase storage.Purchase) error {
	f.purchases = append(f.purchases, purchase)
	return nil
}

func (f *fakeLedger) GetCompletedPurchases(_ context.Context, tenantID string, since time.Time) ([]storage.Purchase, error) {
	out := make([]storage.Purchase, 0)
	for _, p := range f.purchases {
		if p.TenantID == tenantID && p.Status == storage.PurchaseCompleted && !p.CreatedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeLedger) FindPurchaseByCustomerReference(_ context.Context, ref string) (storage.Purchase, error) {
	for _, p := range f.purchases {
		if p.CustomerReference == ref && p.Status != storage.PurchaseFailed {
			return p, nil
		}
	}
	return storage.Purchase{}, storage.ErrNotFound
}

type fakeEscalator struct {
	orphans []Orphan
	err     error
}

func (f *fakeEscalator) EscalateOrphan(_ context.Context, orphan Orphan) error {
	f.orphans = append(f.orphans, orphan)
	return f.err
}

var frozenNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, ledger *fakeLedger, escalator Escalator) *Engine {
	t.Helper()
	engine := New(ledger, ledger, nil, escalator, Options{}, zerolog.Nop())
	engine.nowFunc = func() time.Time { return frozenNow }
	return engine
}

func payment(id, customer string, amount int64, at time.Time) storage.Payment {
	return storage.Payment{
		ID:         id,
		TenantID:   "tenant-1",
		CustomerID: customer,
		Amount:     decimal.NewFromInt(amount),
		Currency:   "USD",
		Status:     storage.PaymentSucceeded,
		CreatedAt:  at,
	}
}

func purchase(id, customer string, amount int64, at time.Time) storage.Purchase {
	return storage.Purchase{
		ID:         id,
		TenantID:   "tenant-1",
		CustomerID: customer,
		FiatAmount: decimal.NewFromInt(amount),
		Currency:   "USD",
		VenueID:    "kraken",
		Status:     storage.PurchaseCompleted,
		CreatedAt:  at,
	}
}

func TestReconcileMatchesWithinTolerances(t *testing.T) {
	t0 := frozenNow.Add(-30 * time.Minute)
	ledger := &fakeLedger{
		payments:  []storage.Payment{payment("pay-1", "cust-1", 100, t0)},
		purchases: []storage.Purchase{purchase("pur-1", "cust-1", 100, t0.Add(3*time.Minute))},
	}

	summary, err := newTestEngine(t, ledger, nil).Reconcile(context.Background(), "tenant-1", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.MatchedCount)
	assert.Empty(t, summary.Orphans)
	assert.True(t, summary.AccuracyPct.Equal(decimal.NewFromInt(100)), "accuracy %s", summary.AccuracyPct)
	assert.True(t, summary.DiscrepancyValue.IsZero())
}

func TestReconcileOrphansPaymentWithoutPurchase(t *testing.T) {
	t0 := frozenNow.Add(-10 * time.Minute)
	ledger := &fakeLedger{
		payments: []storage.Payment{payment("pay-1", "cust-1", 150, t0)},
	}

	summary, err := newTestEngine(t, ledger, nil).Reconcile(context.Background(), "tenant-1", time.Hour)
	require.NoError(t, err)

	require.Len(t, summary.Orphans, 1)
	orphan := summary.Orphans[0]
	assert.Equal(t, "pay-1", orphan.PaymentID)
	assert.Equal(t, ReasonNoPurchase, orphan.Reason)
	assert.Equal(t, 10*time.Minute, orphan.Age)
	assert.True(t, summary.DiscrepancyValue.Equal(decimal.NewFromInt(150)))
	assert.True(t, summary.AccuracyPct.IsZero())
}

func TestReconcileClassifiesAmountMismatch(t *testing.T) {
	t0 := frozenNow.Add(-30 * time.Minute)
	ledger := &fakeLedger{
		payments:  []storage.Payment{payment("pay-1", "cust-1", 100, t0)},
		purchases: []storage.Purchase{purchase("pur-1", "cust-1", 95, t0.Add(2*time.Minute))},
	}

	summary, err := newTestEngine(t, ledger, nil).Reconcile(context.Background(), "tenant-1", time.Hour)
	require.NoError(t, err)

	require.Len(t, summary.Orphans, 1)
	orphan := summary.Orphans[0]
	assert.Equal(t, ReasonAmountMismatch, orphan.Reason)
	assert.True(t, orphan.ExpectedAmount.Equal(decimal.NewFromInt(100)))
	assert.True(t, orphan.ActualAmount.Equal(decimal.NewFromInt(95)))
}

func TestReconcileClassifiesTimingMismatch(t *testing.T) {
	t0 := frozenNow.Add(-90 * time.Minute)
	ledger := &fakeLedger{
		payments:  []storage.Payment{payment("pay-1", "cust-1", 100, t0)},
		purchases: []storage.Purchase{purchase("pur-1", "cust-1", 100, t0.Add(40*time.Minute))},
	}

	summary, err := newTestEngine(t, ledger, nil).Reconcile(context.Background(), "tenant-1", 2*time.Hour)
	require.NoError(t, err)

	require.Len(t, summary.Orphans, 1)
	assert.Equal(t, ReasonTimingMismatch, summary.Orphans[0].Reason)
}

func TestReconcileGracePeriodExcludesFreshPayments(t *testing.T) {
	ledger := &fakeLedger{
		payments: []storage.Payment{payment("pay-fresh", "cust-1", 100, frozenNow.Add(-2*time.Minute))},
	}

	summary, err := newTestEngine(t, ledger, nil).Reconcile(context.Background(), "tenant-1", time.Hour)
	require.NoError(t, err)

	assert.Empty(t, summary.Orphans)
	assert.Equal(t, 0, summary.TotalPayments)
	assert.True(t, summary.AccuracyPct.Equal(decimal.NewFromInt(100)))
}

func TestReconcileExactReferenceBeatsHeuristics(t *testing.T) {
	t0 := frozenNow.Add(-30 * time.Minute)
	exact := purchase("pur-exact", "cust-1", 97, t0.Add(14*time.Minute))
	exact.CustomerReference = "pay-1"
	closer := purchase("pur-closer", "cust-1", 100, t0.Add(time.Minute))

	ledger := &fakeLedger{
		payments:  []storage.Payment{payment("pay-1", "cust-1", 100, t0)},
		purchases: []storage.Purchase{closer, exact},
	}

	summary, err := newTestEngine(t, ledger, nil).Reconcile(context.Background(), "tenant-1", time.Hour)
	require.NoError(t, err)

	require.Len(t, summary.Matches, 1)
	assert.Equal(t, "pur-exact", summary.Matches[0].Purchase.ID)
}

func TestReconcilePicksClosestInTime(t *testing.T) {
	t0 := frozenNow.Add(-30 * time.Minute)
	ledger := &fakeLedger{
		payments: []storage.Payment{payment("pay-1", "cust-1", 100, t0)},
		purchases: []storage.Purchase{
			purchase("pur-far", "cust-1", 100, t0.Add(10*time.Minute)),
			purchase("pur-near", "cust-1", 100, t0.Add(time.Minute)),
		},
	}

	summary, err := newTestEngine(t, ledger, nil).Reconcile(context.Background(), "tenant-1", time.Hour)
	require.NoError(t, err)

	require.Len(t, summary.Matches, 1)
	assert.Equal(t, "pur-near", summary.Matches[0].Purchase.ID)
}

func TestReconcilePurchaseConsumedOnce(t *testing.T) {
	t0 := frozenNow.Add(-30 * time.Minute)
	ledger := &fakeLedger{
		payments: []storage.Payment{
			payment("pay-1", "cust-1", 100, t0),
			payment("pay-2", "cust-1", 100, t0.Add(time.Minute)),
		},
		purchases: []storage.Purchase{purchase("pur-1", "cust-1", 100, t0)},
	}

	summary, err := newTestEngine(t, ledger, nil).Reconcile(context.Background(), "tenant-1", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.MatchedCount)
	require.Len(t, summary.Orphans, 1)
	assert.Equal(t, "pay-2", summary.Orphans[0].PaymentID)
}

func TestReconcileEscalatesCriticalOrphans(t *testing.T) {
	escalator := &fakeEscalator{}
	ledger := &fakeLedger{
		payments: []storage.Payment{
			payment("pay-old", "cust-1", 100, frozenNow.Add(-2*time.Hour)),
			payment("pay-young", "cust-2", 100, frozenNow.Add(-10*time.Minute)),
		},
	}

	summary, err := newTestEngine(t, ledger, escalator).Reconcile(context.Background(), "tenant-1", 3*time.Hour)
	require.NoError(t, err)

	assert.Len(t, summary.Orphans, 2)
	require.Len(t, escalator.orphans, 1)
	assert.Equal(t, "pay-old", escalator.orphans[0].PaymentID)
}

func TestReconcileOrphansSortedOldestFirst(t *testing.T) {
	ledger := &fakeLedger{
		payments: []storage.Payment{
			payment("pay-new", "cust-1", 10, frozenNow.Add(-20*time.Minute)),
			payment("pay-old", "cust-2", 20, frozenNow.Add(-50*time.Minute)),
		},
	}

	summary, err := newTestEngine(t, ledger, nil).Reconcile(context.Background(), "tenant-1", time.Hour)
	require.NoError(t, err)

	require.Len(t, summary.Orphans, 2)
	assert.Equal(t, "pay-old", summary.Orphans[0].PaymentID)
	assert.Equal(t, "pay-new", summary.Orphans[1].PaymentID)
}

func TestReconcileReportsUnreferencedPurchases(t *testing.T) {
	stray := purchase("pur-stray", "cust-9", 42, frozenNow.Add(-20*time.Minute))
	ledger := &fakeLedger{purchases: []storage.Purchase{stray}}

	summary, err := newTestEngine(t, ledger, nil).Reconcile(context.Background(), "tenant-1", time.Hour)
	require.NoError(t, err)

	require.Len(t, summary.OrphanedPurchases, 1)
	assert.Equal(t, "pur-stray", summary.OrphanedPurchases[0].ID)
}
