package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramNotifier pushes operator alerts through the Telegram Bot API.
// Intended for the manual-review path where a human has to act.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs the alert sink.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// Notify sends a text alert via the sendMessage endpoint.
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().
		Str("event", string(event.Type)).
		Str("payment_id", event.PaymentID).
		Msg("operator alert sent")
	return nil
}

func renderMessage(event Event) string {
	builder := strings.Builder{}
	switch event.Type {
	case EventManualReview:
		builder.WriteString("[Recovery Alert] manual review required\n")
	case EventRefunded:
		builder.WriteString("[Recovery Alert] payment refunded\n")
	default:
		builder.WriteString("[Recovery Alert] payment recovered\n")
	}
	builder.WriteString(fmt.Sprintf("Tenant: %s\n", event.TenantID))
	builder.WriteString(fmt.Sprintf("Payment: %s\n", event.PaymentID))
	builder.WriteString(fmt.Sprintf("Amount: %s\n", event.Amount.String()))
	builder.WriteString(fmt.Sprintf("Attempts: %d\n", event.Attempts))
	if !event.EmittedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", event.EmittedAt.UTC().Format(time.RFC3339)))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
