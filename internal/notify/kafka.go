package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
)

// KafkaOptions configure the event stream sink.
type KafkaOptions struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds one publish attempt.
	WriteTimeout time.Duration
}

// kafkaWriter is the slice of *kafka.Writer the notifier uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaNotifier publishes recovery events to a Kafka topic, keyed by
// payment id so per-payment ordering survives partitioning.
type KafkaNotifier struct {
	writer  kafkaWriter
	timeout time.Duration
	logger  zerolog.Logger
	nowFunc func() time.Time
}

// NewKafkaNotifier constructs the sink. The writer retries transient
// broker errors internally.
func NewKafkaNotifier(opts KafkaOptions, logger zerolog.Logger) *KafkaNotifier {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
	}
	return &KafkaNotifier{
		writer:  writer,
		timeout: opts.WriteTimeout,
		logger:  logger.With().Str("component", "notify_kafka").Logger(),
		nowFunc: time.Now,
	}
}

// Notify publishes one event.
func (n *KafkaNotifier) Notify(ctx context.Context, event Event) error {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = n.nowFunc().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.PaymentID),
		Value: payload,
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish event %s for payment %s: %w", event.Type, event.PaymentID, err)
	}

	n.logger.Debug().
		Str("event", string(event.Type)).
		Str("payment_id", event.PaymentID).
		Msg("event published")
	return nil
}

var _ Notifier = (*KafkaNotifier)(nil)
