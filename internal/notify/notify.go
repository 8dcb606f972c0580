package notify

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a recovery lifecycle outcome worth broadcasting.
type EventType string

const (
	EventRecovered    EventType = "payment.recovered"
	EventRefunded     EventType = "payment.refunded"
	EventManualReview EventType = "payment.manual_review_required"
)

// Event is the notification payload emitted when a recovery record
// reaches a terminal state.
type Event struct {
	Type      EventType       `json:"type"`
	TenantID  string          `json:"tenant_id"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Attempts  int             `json:"attempts"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Notifier delivers events to an external channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans one event out to every sink and joins the failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Notifier = (Multi)(nil)
