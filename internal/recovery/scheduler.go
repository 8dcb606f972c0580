package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"satbridge/internal/exchange"
	"satbridge/internal/failover"
	"satbridge/internal/notify"
	"satbridge/internal/reconcile"
	"satbridge/internal/storage"
)

// RefundResult acknowledges a payment-processor refund.
type RefundResult struct {
	RefundID string
	Amount   decimal.Decimal
}

// RefundIssuer is the payment-processor refund collaborator.
type RefundIssuer interface {
	Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (RefundResult, error)
}

// OrderExecutor is the slice of the failover coordinator the scheduler
// needs; satisfied by *failover.Coordinator.
type OrderExecutor interface {
	ExecuteOrderWithFailover(ctx context.Context, req exchange.OrderRequest) (failover.OrderOutcome, error)
}

// Options tune the retry policy.
type Options struct {
	// MaxRetryAttempts caps purchase re-attempts before refund-or-escalate.
	MaxRetryAttempts int
	// BackoffSchedule supplies the delay before attempt N at index N-1.
	// The last entry repeats if attempts exceed its length.
	BackoffSchedule []time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = 3
	}
	if len(o.BackoffSchedule) == 0 {
		o.BackoffSchedule = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}
	}
}

// Stats summarises one queue pass.
type Stats struct {
	Processed    int
	Recovered    int
	Refunded     int
	ManualReview int
}

// Scheduler drives FailedTransaction records from pending to a terminal
// state. It is the only writer of recovery records.
type Scheduler struct {
	store     storage.RecoveryStore
	purchases storage.PurchaseLedger
	executor  OrderExecutor
	refunds   RefundIssuer
	notifier  notify.Notifier
	opts      Options
	logger    zerolog.Logger
	nowFunc   func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

// New constructs a recovery scheduler. The notifier may be nil.
func New(store storage.RecoveryStore, purchases storage.PurchaseLedger, executor OrderExecutor, refunds RefundIssuer, notifier notify.Notifier, opts Options, logger zerolog.Logger) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		store:     store,
		purchases: purchases,
		executor:  executor,
		refunds:   refunds,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With().Str("component", "recovery").Logger(),
		nowFunc:   time.Now,
		inFlight:  make(map[string]bool),
	}
}

// Intake files a recovery record for a payment whose purchase failed.
// Deduplicated by payment id: an existing active record absorbs the call.
func (s *Scheduler) Intake(ctx context.Context, payment storage.Payment, priority storage.RecoveryPriority, cause error) error {
	if _, err := s.store.FindActiveByPaymentID(ctx, payment.ID); err == nil {
		s.logger.Debug().Str("payment_id", payment.ID).Msg("active recovery record already exists")
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("dedup lookup for payment %s: %w", payment.ID, err)
	}

	now := s.nowFunc().UTC()
	record := storage.FailedTransaction{
		ID:             uuid.NewString(),
		PaymentID:      payment.ID,
		TenantID:       payment.TenantID,
		CustomerID:     payment.CustomerID,
		OriginalAmount: payment.Amount,
		Currency:       payment.Currency,
		Attempts:       0,
		Status:         storage.RecoveryPending,
		Priority:       priority,
		NextRetryAt:    now.Add(s.delayFor(1)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if cause != nil {
		record.LastError = cause.Error()
	}

	if err := s.store.CreateFailedTransaction(ctx, record); err != nil {
		return fmt.Errorf("create recovery record: %w", err)
	}

	s.logger.Info().
		Str("payment_id", payment.ID).
		Str("priority", string(priority)).
		Msg("recovery record created")
	return nil
}

// EscalateOrphan is the reconciliation engine's intake for critical orphans.
func (s *Scheduler) EscalateOrphan(ctx context.Context, orphan reconcile.Orphan) error {
	payment := storage.Payment{
		ID:         orphan.PaymentID,
		TenantID:   orphan.TenantID,
		CustomerID: orphan.CustomerID,
		Amount:     orphan.Amount,
		Currency:   orphan.Currency,
		Status:     storage.PaymentSucceeded,
		CreatedAt:  orphan.PaymentAt,
	}
	return s.Intake(ctx, payment, storage.PriorityHigh, fmt.Errorf("reconciliation orphan: %s", orphan.Reason))
}

// ProcessQueue handles every record due at call time. A failing record is
// logged and left for the next cycle; it never aborts the pass.
func (s *Scheduler) ProcessQueue(ctx context.Context) (Stats, error) {
	due, err := s.store.ListDueForRetry(ctx, s.nowFunc().UTC())
	if err != nil {
		return Stats{}, fmt.Errorf("list due records: %w", err)
	}

	var stats Stats
	for _, record := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if !s.acquire(record.ID) {
			continue
		}

		outcome, err := s.processRecord(ctx, record)
		s.release(record.ID)
		if err != nil {
			s.logger.Error().
				Str("record_id", record.ID).
				Str("payment_id", record.PaymentID).
				Err(err).
				Msg("recovery record processing failed, leaving for next cycle")
			continue
		}

		stats.Processed++
		switch outcome {
		case storage.RecoveryRecovered:
			stats.Recovered++
		case storage.RecoveryRefunded:
			stats.Refunded++
		case storage.RecoveryManualReview:
			stats.ManualReview++
		}
	}
	return stats, nil
}

// processRecord advances one record a single step and returns the status
// it landed in.
func (s *Scheduler) processRecord(ctx context.Context, record storage.FailedTransaction) (storage.RecoveryStatus, error) {
	if record.Status.IsTerminal() {
		return record.Status, nil
	}
	if record.Attempts >= s.opts.MaxRetryAttempts {
		// Attempts already exhausted (e.g. crash before finalisation):
		// refund-or-escalate, never back to retrying.
		return s.finalize(ctx, record, record.Attempts)
	}

	result, err := s.attemptPurchase(ctx, record)
	if err == nil {
		return s.markRecovered(ctx, record, result)
	}

	record.Attempts++
	record.LastError = err.Error()
	record.UpdatedAt = s.nowFunc().UTC()

	if record.Attempts >= s.opts.MaxRetryAttempts {
		// The stored row still holds the pre-increment attempts.
		return s.finalize(ctx, record, record.Attempts-1)
	}

	record.Status = storage.RecoveryRetrying
	record.NextRetryAt = s.nowFunc().UTC().Add(s.delayFor(record.Attempts + 1))
	if updateErr := s.store.UpdateFailedTransaction(ctx, record, record.Attempts-1); updateErr != nil {
		return record.Status, updateErr
	}

	s.logger.Warn().
		Str("payment_id", record.PaymentID).
		Int("attempts", record.Attempts).
		Time("next_retry_at", record.NextRetryAt).
		Err(err).
		Msg("recovery attempt failed, rescheduled")
	return storage.RecoveryRetrying, nil
}

// attemptPurchase re-executes the purchase using the payment id as the
// idempotency key: a previously succeeded purchase is detected and reused
// rather than duplicated.
func (s *Scheduler) attemptPurchase(ctx context.Context, record storage.FailedTransaction) (failover.OrderOutcome, error) {
	if existing, err := s.purchases.FindPurchaseByCustomerReference(ctx, record.PaymentID); err == nil {
		s.logger.Info().
			Str("payment_id", record.PaymentID).
			Str("purchase_id", existing.ID).
			Msg("purchase already exists, skipping re-trade")
		return failover.OrderOutcome{
			Result: exchange.OrderResult{
				Venue:         existing.VenueID,
				OrderID:       existing.OrderID,
				Side:          exchange.SideBuy,
				BitcoinAmount: existing.BitcoinAmount,
				FiatAmount:    existing.FiatAmount,
				Rate:          existing.ExchangeRate,
				Fee:           existing.Fees,
				Currency:      existing.Currency,
				ExecutedAt:    existing.CreatedAt,
			},
			VenueUsed: existing.VenueID,
		}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return failover.OrderOutcome{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	outcome, err := s.executor.ExecuteOrderWithFailover(ctx, exchange.OrderRequest{
		Side:            exchange.SideBuy,
		Value:           record.OriginalAmount,
		Currency:        record.Currency,
		ClientReference: record.PaymentID,
	})
	if err != nil {
		return failover.OrderOutcome{}, err
	}

	paymentID := record.PaymentID
	purchase := storage.Purchase{
		ID:                uuid.NewString(),
		PaymentID:         &paymentID,
		TenantID:          record.TenantID,
		CustomerID:        record.CustomerID,
		FiatAmount:        outcome.Result.FiatAmount,
		BitcoinAmount:     outcome.Result.BitcoinAmount,
		ExchangeRate:      outcome.Result.Rate,
		Fees:              outcome.Result.Fee,
		Currency:          outcome.Result.Currency,
		VenueID:           outcome.VenueUsed,
		OrderID:           outcome.Result.OrderID,
		CustomerReference: record.PaymentID,
		Status:            storage.PurchaseCompleted,
		CreatedAt:         outcome.Result.ExecutedAt,
	}
	if err := s.purchases.CreatePurchase(ctx, purchase); err != nil {
		// The trade went through; surface the persistence failure so the
		// next cycle finds the purchase via the idempotency lookup.
		return failover.OrderOutcome{}, fmt.Errorf("persist recovered purchase: %w", err)
	}
	return outcome, nil
}

func (s *Scheduler) markRecovered(ctx context.Context, record storage.FailedTransaction, outcome failover.OrderOutcome) (storage.RecoveryStatus, error) {
	now := s.nowFunc().UTC()
	expected := record.Attempts
	record.Attempts++
	record.Status = storage.RecoveryRecovered
	record.RecoveredVenue = outcome.VenueUsed
	record.RecoveredOrder = outcome.Result.OrderID
	record.ResolvedAt = &now
	record.UpdatedAt = now

	if err := s.store.UpdateFailedTransaction(ctx, record, expected); err != nil {
		return record.Status, err
	}

	s.notify(ctx, notify.Event{
		Type:      notify.EventRecovered,
		TenantID:  record.TenantID,
		PaymentID: record.PaymentID,
		Amount:    record.OriginalAmount,
		Attempts:  record.Attempts,
	})
	s.logger.Info().
		Str("payment_id", record.PaymentID).
		Str("venue", outcome.VenueUsed).
		Int("failovers", outcome.FailoverCount).
		Msg("payment recovered")
	return storage.RecoveryRecovered, nil
}

// finalize exhausts the retry budget: refund, or escalate to a human.
// expected is the attempts value currently stored, used as the
// optimistic-concurrency guard for the terminal write.
func (s *Scheduler) finalize(ctx context.Context, record storage.FailedTransaction, expected int) (storage.RecoveryStatus, error) {
	now := s.nowFunc().UTC()
	record.UpdatedAt = now
	record.ResolvedAt = &now

	_, refundErr := s.refunds.Refund(ctx, record.PaymentID, record.OriginalAmount)
	if refundErr == nil {
		record.Status = storage.RecoveryRefunded
	} else {
		record.Status = storage.RecoveryManualReview
		record.Priority = storage.PriorityCritical
		record.LastError = fmt.Sprintf("refund failed: %v (last purchase error: %s)", refundErr, record.LastError)
	}

	if err := s.store.UpdateFailedTransaction(ctx, record, expected); err != nil {
		return record.Status, err
	}

	eventType := notify.EventRefunded
	if record.Status == storage.RecoveryManualReview {
		eventType = notify.EventManualReview
	}
	s.notify(ctx, notify.Event{
		Type:      eventType,
		TenantID:  record.TenantID,
		PaymentID: record.PaymentID,
		Amount:    record.OriginalAmount,
		Attempts:  record.Attempts,
	})

	s.logger.Warn().
		Str("payment_id", record.PaymentID).
		Str("status", string(record.Status)).
		Int("attempts", record.Attempts).
		Msg("recovery attempts exhausted")
	return record.Status, nil
}

// notify is fire-and-forget: delivery failures are logged only.
func (s *Scheduler) notify(ctx context.Context, event notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Error().Str("event", string(event.Type)).Err(err).Msg("notification delivery failed")
	}
}

func (s *Scheduler) delayFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.opts.BackoffSchedule) {
		idx = len(s.opts.BackoffSchedule) - 1
	}
	return s.opts.BackoffSchedule[idx]
}

func (s *Scheduler) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

var _ reconcile.Escalator = (*Scheduler)(nil)
