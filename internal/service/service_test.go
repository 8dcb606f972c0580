package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satbridge/internal/config"
	"satbridge/internal/exchange"
	"satbridge/internal/failover"
	"satbridge/internal/recovery"
	"satbridge/internal/storage"
)

type memPurchases struct {
	purchases []storage.Purchase
}

func (m *memPurchases) CreatePurchase(_ context.Context, purchase storage.Purchase) error {
	m.purchases = append(m.purchases, purchase)
	return nil
}

func (m *memPurchases) GetCompletedPurchases(context.Context, string, time.Time) ([]storage.Purchase, error) {
	return m.purchases, nil
}

func (m *memPurchases) FindPurchaseByCustomerReference(_ context.Context, ref string) (storage.Purchase, error) {
	for _, p := range m.purchases {
		if p.CustomerReference == ref && p.Status != storage.PurchaseFailed {
			return p, nil
		}
	}
	return storage.Purchase{}, storage.ErrNotFound
}

type memRecoveryStore struct {
	records map[string]storage.FailedTransaction
}

func (m *memRecoveryStore) CreateFailedTransaction(_ context.Context, tx storage.FailedTransaction) error {
	m.records[tx.ID] = tx
	return nil
}

func (m *memRecoveryStore) GetFailedTransaction(_ context.Context, id string) (storage.FailedTransaction, error) {
	tx, ok := m.records[id]
	if !ok {
		return storage.FailedTransaction{}, storage.ErrNotFound
	}
	return tx, nil
}

func (m *memRecoveryStore) FindActiveByPaymentID(_ context.Context, paymentID string) (storage.FailedTransaction, error) {
	for _, tx := range m.records {
		if tx.PaymentID == paymentID && !tx.Status.IsTerminal() {
			return tx, nil
		}
	}
	return storage.FailedTransaction{}, storage.ErrNotFound
}

func (m *memRecoveryStore) ListDueForRetry(context.Context, time.Time) ([]storage.FailedTransaction, error) {
	return nil, nil
}

func (m *memRecoveryStore) ListRecentFailedTransactions(context.Context, int) ([]storage.FailedTransaction, error) {
	return nil, nil
}

func (m *memRecoveryStore) UpdateFailedTransaction(_ context.Context, tx storage.FailedTransaction, _ int) error {
	m.records[tx.ID] = tx
	return nil
}

type noRefunds struct{}

func (noRefunds) Refund(context.Context, string, decimal.Decimal) (recovery.RefundResult, error) {
	return recovery.RefundResult{}, errors.New("not configured")
}

type harness struct {
	svc       *Service
	mock      *exchange.Mock
	purchases *memPurchases
	records   *memRecoveryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mock := exchange.NewMock("mock", decimal.NewFromInt(100000))
	coordinator := failover.New(
		[]failover.Venue{{Client: mock, Priority: 1}},
		nil,
		failover.Options{},
		zerolog.Nop(),
	)

	purchases := &memPurchases{}
	records := &memRecoveryStore{records: make(map[string]storage.FailedTransaction)}
	recoverySched := recovery.New(records, purchases, coordinator, noRefunds{}, nil, recovery.Options{}, zerolog.Nop())

	cfg := &config.Config{}
	cfg.Reconcile.Tenants = []string{"tenant-1"}
	svc := New(cfg, coordinator, purchases, nil, recoverySched, nil, zerolog.Nop())

	return &harness{svc: svc, mock: mock, purchases: purchases, records: records}
}

func succeededPayment(id string) storage.Payment {
	return storage.Payment{
		ID:         id,
		TenantID:   "tenant-1",
		CustomerID: "cust-1",
		Amount:     decimal.NewFromInt(100),
		Currency:   "USD",
		Status:     storage.PaymentSucceeded,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestHandlePaymentSucceededConverts(t *testing.T) {
	h := newHarness(t)

	purchase, err := h.svc.HandlePaymentSucceeded(context.Background(), succeededPayment("pay-1"))
	require.NoError(t, err)

	require.NotNil(t, purchase.PaymentID)
	assert.Equal(t, "pay-1", *purchase.PaymentID)
	assert.Equal(t, "pay-1", purchase.CustomerReference)
	assert.Equal(t, "mock", purchase.VenueID)
	assert.Equal(t, storage.PurchaseCompleted, purchase.Status)
	assert.True(t, purchase.FiatAmount.Equal(decimal.NewFromInt(100)))
	assert.True(t, purchase.BitcoinAmount.IsPositive())
	assert.Len(t, h.purchases.purchases, 1)
}

func TestHandlePaymentSucceededIdempotent(t *testing.T) {
	h := newHarness(t)

	first, err := h.svc.HandlePaymentSucceeded(context.Background(), succeededPayment("pay-1"))
	require.NoError(t, err)

	second, err := h.svc.HandlePaymentSucceeded(context.Background(), succeededPayment("pay-1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.purchases.purchases, 1, "replayed webhook must not buy twice")
}

func TestHandlePaymentSucceededRejectsNonSucceeded(t *testing.T) {
	h := newHarness(t)

	payment := succeededPayment("pay-1")
	payment.Status = storage.PaymentProcessing

	_, err := h.svc.HandlePaymentSucceeded(context.Background(), payment)
	require.Error(t, err)
	assert.Empty(t, h.purchases.purchases)
}

func TestHandlePaymentSucceededFilesRecoveryOnFailure(t *testing.T) {
	h := newHarness(t)
	h.mock.FailWith(errors.New("venue offline"))

	_, err := h.svc.HandlePaymentSucceeded(context.Background(), succeededPayment("pay-1"))
	require.Error(t, err)

	record, err := h.records.FindActiveByPaymentID(context.Background(), "pay-1")
	require.NoError(t, err, "a recovery record must be filed")
	assert.Equal(t, storage.RecoveryPending, record.Status)
	assert.True(t, record.OriginalAmount.Equal(decimal.NewFromInt(100)))
	assert.Empty(t, h.purchases.purchases)
}
