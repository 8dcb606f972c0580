package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"satbridge/internal/storage"
)

// DiscrepancyReason classifies why a payment has no acceptable purchase.
type DiscrepancyReason string

const (
	ReasonNoPurchase     DiscrepancyReason = "no_bitcoin_purchase"
	ReasonAmountMismatch DiscrepancyReason = "amount_mismatch"
	ReasonTimingMismatch DiscrepancyReason = "timing_mismatch"
)

// Orphan is a derived read model: a succeeded payment without a matching
// purchase. Recomputed every pass, never a source of truth.
type Orphan struct {
	PaymentID      string
	TenantID       string
	CustomerID     string
	Amount         decimal.Decimal
	Currency       string
	Age            time.Duration
	Reason         DiscrepancyReason
	ExpectedAmount decimal.Decimal
	ActualAmount   decimal.Decimal
	PaymentAt      time.Time
}

// MatchedPair links a payment to its accepted purchase.
type MatchedPair struct {
	Payment  storage.Payment
	Purchase storage.Purchase
}

// Summary is the consistency report for one tenant and window.
type Summary struct {
	TenantID          string
	WindowStart       time.Time
	WindowEnd         time.Time
	TotalPayments     int
	TotalPurchases    int
	MatchedCount      int
	Matches           []MatchedPair
	Orphans           []Orphan
	OrphanedPurchases []storage.Purchase
	DiscrepancyValue  decimal.Decimal
	AccuracyPct       decimal.Decimal
}

// Escalator receives orphans old enough to need active recovery.
type Escalator interface {
	EscalateOrphan(ctx context.Context, orphan Orphan) error
}

// Options tune matching tolerances.
type Options struct {
	// MaxTimeDifference bounds payment↔purchase timestamp proximity.
	MaxTimeDifference time.Duration
	// MaxAmountDifferencePercent bounds the fiat amount drift.
	MaxAmountDifferencePercent float64
	// GracePeriod excludes payments still plausibly in flight.
	GracePeriod time.Duration
	// CriticalOrphanAge triggers escalation into the recovery intake.
	CriticalOrphanAge time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxTimeDifference <= 0 {
		o.MaxTimeDifference = 15 * time.Minute
	}
	if o.MaxAmountDifferencePercent <= 0 {
		o.MaxAmountDifferencePercent = 1
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Minute
	}
	if o.CriticalOrphanAge <= 0 {
		o.CriticalOrphanAge = time.Hour
	}
}

// Engine compares the payment ledger against the purchase ledger.
type Engine struct {
	payments  storage.PaymentLedger
	purchases storage.PurchaseLedger
	history   storage.ReconciliationHistory
	escalator Escalator
	opts      Options
	logger    zerolog.Logger
	nowFunc   func() time.Time
}

// New constructs a reconciliation engine. History and escalator may be nil.
func New(payments storage.PaymentLedger, purchases storage.PurchaseLedger, history storage.ReconciliationHistory, escalator Escalator, opts Options, logger zerolog.Logger) *Engine {
	opts.applyDefaults()
	return &Engine{
		payments:  payments,
		purchases: purchases,
		history:   history,
		escalator: escalator,
		opts:      opts,
		logger:    logger.With().Str("component", "reconcile").Logger(),
		nowFunc:   time.Now,
	}
}

// Reconcile produces the consistency report for one tenant over the
// lookback window and escalates critical orphans. Per-orphan escalation
// failures are logged, never raised.
func (e *Engine) Reconcile(ctx context.Context, tenantID string, window time.Duration) (Summary, error) {
	now := e.nowFunc().UTC()
	since := now.Add(-window)

	payments, err := e.payments.GetSucceededPayments(ctx, tenantID, since)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch succeeded payments: %w", err)
	}
	// Purchases are fetched with extra slack so a payment near the window
	// edge can still find its purchase.
	purchases, err := e.purchases.GetCompletedPurchases(ctx, tenantID, since.Add(-e.opts.MaxTimeDifference))
	if err != nil {
		return Summary{}, fmt.Errorf("fetch completed purchases: %w", err)
	}

	summary := Summary{
		TenantID:         tenantID,
		WindowStart:      since,
		WindowEnd:        now,
		TotalPayments:    len(payments),
		TotalPurchases:   len(purchases),
		DiscrepancyValue: decimal.Zero,
	}

	consumed := make(map[string]bool, len(purchases))
	for _, payment := range payments {
		match, found := e.bestMatch(payment, purchases, consumed)
		if found {
			consumed[match.ID] = true
			summary.Matches = append(summary.Matches, MatchedPair{Payment: payment, Purchase: match})
			summary.MatchedCount++
			continue
		}

		age := now.Sub(payment.CreatedAt)
		if age < e.opts.GracePeriod {
			// Still plausibly in flight; neither matched nor orphaned.
			summary.TotalPayments--
			continue
		}

		orphan := e.classify(payment, purchases, consumed, age)
		summary.Orphans = append(summary.Orphans, orphan)
		summary.DiscrepancyValue = summary.DiscrepancyValue.Add(payment.Amount)
	}

	for _, purchase := range purchases {
		if !consumed[purchase.ID] && purchase.PaymentID == nil {
			summary.OrphanedPurchases = append(summary.OrphanedPurchases, purchase)
		}
	}

	sort.Slice(summary.Orphans, func(i, j int) bool {
		return summary.Orphans[i].PaymentAt.Before(summary.Orphans[j].PaymentAt)
	})

	if summary.TotalPayments > 0 {
		summary.AccuracyPct = decimal.NewFromInt(int64(summary.MatchedCount)).
			Div(decimal.NewFromInt(int64(summary.TotalPayments))).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	} else {
		summary.AccuracyPct = decimal.NewFromInt(100)
	}

	e.escalateCritical(ctx, summary.Orphans)
	e.persistRun(ctx, summary, now)

	e.logger.Info().
		Str("tenant", tenantID).
		Int("payments", summary.TotalPayments).
		Int("matched", summary.MatchedCount).
		Int("orphans", len(summary.Orphans)).
		Str("accuracy_pct", summary.AccuracyPct.String()).
		Msg("reconciliation pass complete")

	return summary, nil
}

// bestMatch finds the acceptable purchase for a payment: exact payment-id
// cross-reference first, else the same-customer candidate within both the
// time and amount tolerances with the smallest time difference (ties break
// on smallest amount difference).
func (e *Engine) bestMatch(payment storage.Payment, purchases []storage.Purchase, consumed map[string]bool) (storage.Purchase, bool) {
	for _, purchase := range purchases {
		if consumed[purchase.ID] {
			continue
		}
		if (purchase.PaymentID != nil && *purchase.PaymentID == payment.ID) ||
			purchase.CustomerReference == payment.ID {
			return purchase, true
		}
	}

	var (
		best      storage.Purchase
		bestTime  time.Duration
		bestDelta decimal.Decimal
		found     bool
	)
	for _, purchase := range purchases {
		if consumed[purchase.ID] || purchase.CustomerID != payment.CustomerID {
			continue
		}

		timeDiff := absDuration(purchase.CreatedAt.Sub(payment.CreatedAt))
		if timeDiff > e.opts.MaxTimeDifference {
			continue
		}
		amountDiff := purchase.FiatAmount.Sub(payment.Amount).Abs()
		if !e.withinAmountTolerance(payment.Amount, amountDiff) {
			continue
		}

		if !found || timeDiff < bestTime || (timeDiff == bestTime && amountDiff.LessThan(bestDelta)) {
			best = purchase
			bestTime = timeDiff
			bestDelta = amountDiff
			found = true
		}
	}
	return best, found
}

// classify names the constraint that failed for an unmatched payment.
func (e *Engine) classify(payment storage.Payment, purchases []storage.Purchase, consumed map[string]bool, age time.Duration) Orphan {
	orphan := Orphan{
		PaymentID:      payment.ID,
		TenantID:       payment.TenantID,
		CustomerID:     payment.CustomerID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		Age:            age,
		Reason:         ReasonNoPurchase,
		ExpectedAmount: payment.Amount,
		PaymentAt:      payment.CreatedAt,
	}

	for _, purchase := range purchases {
		if consumed[purchase.ID] || purchase.CustomerID != payment.CustomerID {
			continue
		}

		timeDiff := absDuration(purchase.CreatedAt.Sub(payment.CreatedAt))
		amountDiff := purchase.FiatAmount.Sub(payment.Amount).Abs()
		amountOK := e.withinAmountTolerance(payment.Amount, amountDiff)

		switch {
		case timeDiff <= e.opts.MaxTimeDifference && !amountOK:
			orphan.Reason = ReasonAmountMismatch
			orphan.ActualAmount = purchase.FiatAmount
			return orphan
		case timeDiff > e.opts.MaxTimeDifference && amountOK:
			orphan.Reason = ReasonTimingMismatch
			orphan.ActualAmount = purchase.FiatAmount
		}
	}
	return orphan
}

func (e *Engine) withinAmountTolerance(expected decimal.Decimal, diff decimal.Decimal) bool {
	tolerance := expected.Mul(decimal.NewFromFloat(e.opts.MaxAmountDifferencePercent / 100))
	return diff.LessThanOrEqual(tolerance)
}

func (e *Engine) escalateCritical(ctx context.Context, orphans []Orphan) {
	if e.escalator == nil {
		return
	}
	for _, orphan := range orphans {
		if orphan.Age < e.opts.CriticalOrphanAge {
			continue
		}
		if err := e.escalator.EscalateOrphan(ctx, orphan); err != nil {
			e.logger.Error().
				Str("payment_id", orphan.PaymentID).
				Err(err).
				Msg("failed to escalate critical orphan")
		}
	}
}

func (e *Engine) persistRun(ctx context.Context, summary Summary, now time.Time) {
	if e.history == nil {
		return
	}
	run := storage.ReconciliationRun{
		TenantID:         summary.TenantID,
		WindowStart:      summary.WindowStart,
		WindowEnd:        summary.WindowEnd,
		TotalPayments:    summary.TotalPayments,
		MatchedCount:     summary.MatchedCount,
		OrphanCount:      len(summary.Orphans),
		DiscrepancyValue: summary.DiscrepancyValue,
		AccuracyPct:      summary.AccuracyPct,
		CreatedAt:        now,
	}
	if _, err := e.history.InsertReconciliationRun(ctx, run); err != nil {
		e.logger.Error().Str("tenant", summary.TenantID).Err(err).Msg("failed to persist reconciliation run")
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
