package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"satbridge/internal/recovery"
)

// Client issues refunds against the payment processor's API. Refund
// requests carry the payment id as an idempotency key so a retried call
// cannot double-refund.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

// NewClient constructs the refund client.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "processor").Logger(),
	}
}

type refundRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
}

type refundResponse struct {
	RefundID string `json:"refund_id"`
	Amount   string `json:"amount"`
	Status   string `json:"status"`
}

// Refund requests a full refund for the payment.
func (c *Client) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (recovery.RefundResult, error) {
	body, err := json.Marshal(refundRequest{PaymentID: paymentID, Amount: amount.String()})
	if err != nil {
		return recovery.RefundResult{}, fmt.Errorf("marshal refund request: %w", err)
	}

	url := c.baseURL + "/v1/refunds"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return recovery.RefundResult{}, fmt.Errorf("create refund request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", "refund-"+paymentID)

	resp, err := c.client.Do(req)
	if err != nil {
		return recovery.RefundResult{}, fmt.Errorf("send refund request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return recovery.RefundResult{}, fmt.Errorf("refund for payment %s returned status %d", paymentID, resp.StatusCode)
	}

	var decoded refundResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return recovery.RefundResult{}, fmt.Errorf("decode refund response: %w", err)
	}
	if decoded.Status != "" && decoded.Status != "succeeded" && decoded.Status != "pending" {
		return recovery.RefundResult{}, fmt.Errorf("refund for payment %s rejected with status %s", paymentID, decoded.Status)
	}

	refunded := amount
	if decoded.Amount != "" {
		if parsed, parseErr := decimal.NewFromString(decoded.Amount); parseErr == nil {
			refunded = parsed
		}
	}

	c.logger.Info().
		Str("payment_id", paymentID).
		Str("refund_id", decoded.RefundID).
		Str("amount", refunded.String()).
		Msg("refund issued")
	return recovery.RefundResult{RefundID: decoded.RefundID, Amount: refunded}, nil
}

var _ recovery.RefundIssuer = (*Client)(nil)
