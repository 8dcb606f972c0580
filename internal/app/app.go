package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"satbridge/internal/breaker"
	"satbridge/internal/config"
	"satbridge/internal/exchange"
	"satbridge/internal/failover"
	"satbridge/internal/notify"
	"satbridge/internal/oracle"
	"satbridge/internal/processor"
	"satbridge/internal/ratelimit"
	"satbridge/internal/reconcile"
	"satbridge/internal/recovery"
	"satbridge/internal/service"
	"satbridge/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) quotas() map[ratelimit.EndpointClass]ratelimit.Quota {
	quotas := ratelimit.DefaultQuotas()
	overrides := map[ratelimit.EndpointClass]int{
		ratelimit.ClassMarketData: a.Config.RateLimit.MarketData,
		ratelimit.ClassAccount:    a.Config.RateLimit.Account,
		ratelimit.ClassTrading:    a.Config.RateLimit.Trading,
		ratelimit.ClassWithdrawal: a.Config.RateLimit.Withdrawal,
	}
	for class, rpm := range overrides {
		if rpm > 0 {
			quota := quotas[class]
			quota.RequestsPerMinute = rpm
			quotas[class] = quota
		}
	}
	return quotas
}

func (a *App) newBreaker(name string) *breaker.Breaker {
	cfg := a.Config.Breaker
	return breaker.New(breaker.Options{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		MonitoringWindow: cfg.MonitoringWindow,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		SuccessThreshold: cfg.SuccessThreshold,
	}, a.Logger)
}

// newVenues builds one guarded client per enabled venue. Each venue gets
// its own rate limiter and circuit breaker so one venue's trouble never
// throttles another.
func (a *App) newVenues() []failover.Venue {
	var venues []failover.Venue

	if cfg := a.Config.Venues.Kraken; cfg.Enabled {
		client := exchange.NewKraken(exchange.KrakenOptions{
			BaseURL:       cfg.BaseURL,
			APIKey:        cfg.APIKey,
			APISecret:     cfg.APISecret,
			FeeRate:       cfg.FeeRate,
			MinWithdrawal: cfg.MinWithdrawal,
			WithdrawalKey: cfg.WithdrawalKey,
		}, ratelimit.New(a.quotas()), a.newBreaker("kraken"), a.Logger)
		venues = append(venues, failover.Venue{Client: client, Priority: cfg.Priority})
	}

	if cfg := a.Config.Venues.BTCMarkets; cfg.Enabled {
		client := exchange.NewBTCMarkets(exchange.BTCMarketsOptions{
			BaseURL:       cfg.BaseURL,
			APIKey:        cfg.APIKey,
			APISecret:     cfg.APISecret,
			FeeRate:       cfg.FeeRate,
			MinWithdrawal: cfg.MinWithdrawal,
		}, ratelimit.New(a.quotas()), a.newBreaker("btcmarkets"), a.Logger)
		venues = append(venues, failover.Venue{Client: client, Priority: cfg.Priority})
	}

	if cfg := a.Config.Venues.Mock; cfg.Enabled {
		client := exchange.NewMock("mock", decimal.NewFromFloat(cfg.Price))
		venues = append(venues, failover.Venue{Client: client, Priority: cfg.Priority})
	}

	return venues
}

func (a *App) newReference() oracle.ReferencePricer {
	if !a.Config.Oracle.Enabled {
		return nil
	}
	return oracle.NewChainlink(oracle.Options{
		RPCURL:       a.Config.Oracle.RPCURL,
		FeedAddress:  a.Config.Oracle.FeedAddress,
		FeedDecimals: int32(a.Config.Oracle.FeedDecimals),
		MaxStaleness: a.Config.Oracle.MaxStaleness,
		Timeout:      a.Config.Oracle.RequestTimeout,
	}, a.Logger)
}

func (a *App) newCoordinator() *failover.Coordinator {
	return failover.New(a.newVenues(), a.newReference(), failover.Options{
		MaxPriceDeviationPct: a.Config.Failover.MaxPriceDeviationPct,
		PriceQueryTimeout:    a.Config.Failover.PriceQueryTimeout,
		ReferenceCurrency:    a.Config.Failover.ReferenceCurrency,
	}, a.Logger)
}

func (a *App) newNotifier() notify.Notifier {
	var sinks notify.Multi
	if cfg := a.Config.Notify.Kafka; cfg.Enabled {
		sinks = append(sinks, notify.NewKafkaNotifier(notify.KafkaOptions{
			Brokers:      cfg.Brokers,
			Topic:        cfg.Topic,
			WriteTimeout: cfg.WriteTimeout,
		}, a.Logger))
	}
	if cfg := a.Config.Notify.Telegram; cfg.Enabled {
		sinks = append(sinks, notify.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

func (a *App) newRecovery(store *storage.Store, coordinator *failover.Coordinator) *recovery.Scheduler {
	refunds := processor.NewClient(
		a.Config.Refunds.BaseURL,
		a.Config.Refunds.APIKey,
		a.Config.Refunds.RequestTimeout,
		a.Logger,
	)
	if a.Config.Refunds.BaseURL == "" {
		a.Logger.Warn().Msg("refunds.base_url not configured; exhausted records will escalate to manual review")
	}

	return recovery.New(store, store, coordinator, refunds, a.newNotifier(), recovery.Options{
		MaxRetryAttempts: a.Config.Recovery.MaxAttempts,
		BackoffSchedule:  a.Config.Recovery.BackoffSchedule,
	}, a.Logger)
}

func (a *App) newReconciler(store *storage.Store, escalator reconcile.Escalator) *reconcile.Engine {
	cfg := a.Config.Reconcile
	return reconcile.New(store, store, store, escalator, reconcile.Options{
		MaxTimeDifference:          cfg.MaxTimeDifference,
		MaxAmountDifferencePercent: cfg.MaxAmountDifferencePct,
		GracePeriod:                cfg.GracePeriod,
		CriticalOrphanAge:          cfg.CriticalOrphanAge,
	}, a.Logger)
}

// Run executes the long-running conversion service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to run the service")
	}
	defer closeStore()

	coordinator := a.newCoordinator()
	recoverySched := a.newRecovery(store, coordinator)
	reconciler := a.newReconciler(store, recoverySched)
	svc := service.New(a.Config, coordinator, store, reconciler, recoverySched, store, a.Logger)

	a.Logger.Info().
		Int("venues", len(a.newVenues())).
		Strs("tenants", a.Config.Reconcile.Tenants).
		Msg("starting conversion service")

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("conversion service stopped")
	return nil
}

// ReconcileOptions configure a one-off reconciliation pass.
type ReconcileOptions struct {
	Tenant string
	Window time.Duration
}

// RecoverOptions configure a one-off recovery queue drain.
type RecoverOptions struct {
	DryRun bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting reconciliation history.
type ExportOptions struct {
	Tenant    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

func requireStore(store *storage.Store, action string) error {
	if store == nil {
		return fmt.Errorf("database not configured; cannot %s", action)
	}
	return nil
}
