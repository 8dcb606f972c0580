package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"satbridge/internal/config"
	"satbridge/internal/exchange"
	"satbridge/internal/failover"
	"satbridge/internal/reconcile"
	"satbridge/internal/recovery"
	"satbridge/internal/scheduler"
	"satbridge/internal/storage"
)

// Service orchestrates purchasing, reconciliation, and recovery.
type Service struct {
	coordinator *failover.Coordinator
	purchases   storage.PurchaseLedger
	reconciler  *reconcile.Engine
	recovery    *recovery.Scheduler
	locker      storage.AdvisoryLocker
	logger      zerolog.Logger

	reconcileOpts config.ReconcileConfig
	recoveryIvl   time.Duration
	probeIvl      time.Duration
	refCurrency   string
}

// New constructs the conversion service.
func New(cfg *config.Config, coordinator *failover.Coordinator, purchases storage.PurchaseLedger, reconciler *reconcile.Engine, recoverySched *recovery.Scheduler, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	return &Service{
		coordinator:   coordinator,
		purchases:     purchases,
		reconciler:    reconciler,
		recovery:      recoverySched,
		locker:        locker,
		logger:        logger.With().Str("component", "service").Logger(),
		reconcileOpts: cfg.Reconcile,
		recoveryIvl:   cfg.Recovery.Interval,
		probeIvl:      cfg.Failover.HealthProbeInterval,
		refCurrency:   cfg.Failover.ReferenceCurrency,
	}
}

// HandlePaymentSucceeded converts one succeeded payment into a bitcoin
// purchase. A prior purchase for the same payment is returned as-is; a
// failed conversion files a recovery record before the error surfaces.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, payment storage.Payment) (storage.Purchase, error) {
	if payment.Status != storage.PaymentSucceeded {
		return storage.Purchase{}, fmt.Errorf("payment %s has status %s, want succeeded", payment.ID, payment.Status)
	}
	if !payment.Amount.IsPositive() {
		return storage.Purchase{}, fmt.Errorf("payment %s has non-positive amount", payment.ID)
	}

	if existing, err := s.purchases.FindPurchaseByCustomerReference(ctx, payment.ID); err == nil {
		s.logger.Debug().Str("payment_id", payment.ID).Str("purchase_id", existing.ID).Msg("purchase already exists")
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Purchase{}, fmt.Errorf("idempotency lookup for payment %s: %w", payment.ID, err)
	}

	outcome, err := s.coordinator.ExecuteOrderWithFailover(ctx, exchange.OrderRequest{
		Side:            exchange.SideBuy,
		Value:           payment.Amount,
		Currency:        payment.Currency,
		ClientReference: payment.ID,
	})
	if err != nil {
		s.logger.Error().Str("payment_id", payment.ID).Err(err).Msg("purchase failed, filing recovery record")
		if intakeErr := s.recovery.Intake(ctx, payment, storage.PriorityNormal, err); intakeErr != nil {
			s.logger.Error().Str("payment_id", payment.ID).Err(intakeErr).Msg("failed to file recovery record")
		}
		return storage.Purchase{}, fmt.Errorf("purchase for payment %s: %w", payment.ID, err)
	}

	paymentID := payment.ID
	purchase := storage.Purchase{
		ID:                uuid.NewString(),
		PaymentID:         &paymentID,
		TenantID:          payment.TenantID,
		CustomerID:        payment.CustomerID,
		FiatAmount:        outcome.Result.FiatAmount,
		BitcoinAmount:     outcome.Result.BitcoinAmount,
		ExchangeRate:      outcome.Result.Rate,
		Fees:              outcome.Result.Fee,
		Currency:          outcome.Result.Currency,
		VenueID:           outcome.VenueUsed,
		OrderID:           outcome.Result.OrderID,
		CustomerReference: payment.ID,
		Status:            storage.PurchaseCompleted,
		CreatedAt:         outcome.Result.ExecutedAt,
	}
	if err := s.purchases.CreatePurchase(ctx, purchase); err != nil {
		// The trade filled; the reconciliation pass will surface the gap
		// and the idempotency key prevents a duplicate buy.
		return storage.Purchase{}, fmt.Errorf("persist purchase for payment %s: %w", payment.ID, err)
	}

	s.logger.Info().
		Str("payment_id", payment.ID).
		Str("venue", outcome.VenueUsed).
		Int("failovers", outcome.FailoverCount).
		Str("btc", outcome.Result.BitcoinAmount.String()).
		Msg("payment converted")
	return purchase, nil
}

// Run starts the periodic loops and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	jobs := []struct {
		sched *scheduler.Scheduler
		fn    scheduler.JobFunc
	}{
		{
			sched: scheduler.New(scheduler.Options{
				Name:     "reconcile",
				Interval: s.reconcileOpts.Interval,
			}, s.logger),
			fn: s.ReconcileCycle,
		},
		{
			sched: scheduler.New(scheduler.Options{
				Name:           "recovery",
				Interval:       s.recoveryIvl,
				RunImmediately: true,
			}, s.logger),
			fn: s.RecoveryCycle,
		},
		{
			sched: scheduler.New(scheduler.Options{
				Name:           "health_probe",
				Interval:       s.probeIvl,
				RunImmediately: true,
			}, s.logger),
			fn: s.ProbeCycle,
		},
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(sched *scheduler.Scheduler, fn scheduler.JobFunc) {
			defer wg.Done()
			_ = sched.Run(ctx, fn)
		}(job.sched, job.fn)
	}
	wg.Wait()
	return ctx.Err()
}

// ReconcileCycle runs one reconciliation pass per configured tenant.
// The advisory lock keeps multiple instances from reconciling at once.
func (s *Service) ReconcileCycle(ctx context.Context, firedAt time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("fired_at", firedAt).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var errs []error
	for _, tenant := range s.reconcileOpts.Tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.reconciler.Reconcile(ctx, tenant, s.reconcileOpts.Window); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}
	return errors.Join(errs...)
}

// RecoveryCycle drains the due retry queue once.
func (s *Service) RecoveryCycle(ctx context.Context, _ time.Time) error {
	stats, err := s.recovery.ProcessQueue(ctx)
	if err != nil {
		return err
	}
	if stats.Processed > 0 {
		s.logger.Info().
			Int("processed", stats.Processed).
			Int("recovered", stats.Recovered).
			Int("refunded", stats.Refunded).
			Int("manual_review", stats.ManualReview).
			Msg("recovery cycle complete")
	}
	return nil
}

// ProbeCycle refreshes venue health so opened circuits get rediscovered.
func (s *Service) ProbeCycle(ctx context.Context, _ time.Time) error {
	s.coordinator.Probe(ctx, s.refCurrency)
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.reconcileOpts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.reconcileOpts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
