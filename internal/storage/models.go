package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the payment processor's lifecycle state.
type PaymentStatus string

const (
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
)

// Payment is a fiat payment owned by the payment processor. Read-only
// here; immutable once succeeded.
type Payment struct {
	ID         string
	TenantID   string
	CustomerID string
	Amount     decimal.Decimal
	Currency   string
	Status     PaymentStatus
	CreatedAt  time.Time
}

// PurchaseStatus is the bitcoin purchase lifecycle state.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
)

// Purchase records a bitcoin buy executed for a payment. At most one
// active purchase may exist per payment id.
type Purchase struct {
	ID            string
	PaymentID     *string
	TenantID      string
	CustomerID    string
	FiatAmount    decimal.Decimal
	BitcoinAmount decimal.Decimal
	ExchangeRate  decimal.Decimal
	Fees          decimal.Decimal
	Currency      string
	VenueID       string
	OrderID       string
	// CustomerReference is the idempotency key the order was placed with.
	CustomerReference string
	Status            PurchaseStatus
	CreatedAt         time.Time
}

// RecoveryStatus is the FailedTransaction state machine position.
type RecoveryStatus string

const (
	RecoveryPending      RecoveryStatus = "pending"
	RecoveryRetrying     RecoveryStatus = "retrying"
	RecoveryRecovered    RecoveryStatus = "recovered"
	RecoveryRefunded     RecoveryStatus = "refunded"
	RecoveryManualReview RecoveryStatus = "manual_review_required"
)

// IsTerminal reports whether the state admits no further mutation.
func (s RecoveryStatus) IsTerminal() bool {
	switch s {
	case RecoveryRecovered, RecoveryRefunded, RecoveryManualReview:
		return true
	}
	return false
}

// RecoveryPriority orders the due queue.
type RecoveryPriority string

const (
	PriorityNormal   RecoveryPriority = "normal"
	PriorityHigh     RecoveryPriority = "high"
	PriorityCritical RecoveryPriority = "critical"
)

// FailedTransaction tracks a payment awaiting a successful purchase or a
// refund. Mutated only by the recovery scheduler.
type FailedTransaction struct {
	ID             string
	PaymentID      string
	TenantID       string
	CustomerID     string
	OriginalAmount decimal.Decimal
	Currency       string
	LastError      string
	Attempts       int
	Status         RecoveryStatus
	Priority       RecoveryPriority
	NextRetryAt    time.Time
	// Set on recovery: which venue executed and under what order id.
	RecoveredVenue string
	RecoveredOrder string
	ResolvedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReconciliationRun is one persisted reconciliation pass for a tenant.
type ReconciliationRun struct {
	ID               int64
	TenantID         string
	WindowStart      time.Time
	WindowEnd        time.Time
	TotalPayments    int
	MatchedCount     int
	OrphanCount      int
	DiscrepancyValue decimal.Decimal
	AccuracyPct      decimal.Decimal
	CreatedAt        time.Time
}
