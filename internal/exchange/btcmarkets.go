package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"satbridge/internal/breaker"
	"satbridge/internal/ratelimit"
)

// BTCMarketsOptions parameterise the BTC Markets client.
type BTCMarketsOptions struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	FeeRate       float64
	MinWithdrawal float64
	UserAgent     string
}

// BTCMarkets trades against the BTC Markets v3 API, the AUD-native venue.
type BTCMarkets struct {
	opts    BTCMarketsOptions
	guard   *guard
	client  *http.Client
	logger  zerolog.Logger
	baseURL string
	nowFunc func() time.Time
}

// NewBTCMarkets constructs a BTC Markets client.
func NewBTCMarkets(opts BTCMarketsOptions, limiter *ratelimit.Limiter, brk *breaker.Breaker, logger zerolog.Logger) *BTCMarkets {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.btcmarkets.net"
	}
	log := logger.With().Str("component", "btcmarkets_client").Logger()

	return &BTCMarkets{
		opts:    opts,
		guard:   newGuard("btcmarkets", limiter, brk, log),
		client:  &http.Client{},
		logger:  log,
		baseURL: baseURL,
		nowFunc: time.Now,
	}
}

// Venue identifies this client in health maps and purchase records.
func (b *BTCMarkets) Venue() string { return "btcmarkets" }

// TradingFeeRate reports the configured taker fee fraction.
func (b *BTCMarkets) TradingFeeRate() decimal.Decimal {
	return decimal.NewFromFloat(b.opts.FeeRate)
}

// GetPrice fetches the BTC market ticker for the given quote currency.
func (b *BTCMarkets) GetPrice(ctx context.Context, currency string) (Price, error) {
	marketID := "BTC-" + strings.ToUpper(currency)

	var price Price
	err := b.guard.call(ctx, ratelimit.ClassMarketData, func(ctx context.Context) error {
		payload, err := b.do(ctx, http.MethodGet, "/v3/markets/"+marketID+"/ticker", nil, false)
		if err != nil {
			return err
		}

		var res struct {
			BestBid   string `json:"bestBid"`
			BestAsk   string `json:"bestAsk"`
			LastPrice string `json:"lastPrice"`
		}
		if err := json.Unmarshal(payload, &res); err != nil {
			return fmt.Errorf("decode ticker: %w", err)
		}

		bid, err := decimal.NewFromString(res.BestBid)
		if err != nil {
			return fmt.Errorf("parse bid: %w", err)
		}
		ask, err := decimal.NewFromString(res.BestAsk)
		if err != nil {
			return fmt.Errorf("parse ask: %w", err)
		}
		last, err := decimal.NewFromString(res.LastPrice)
		if err != nil {
			return fmt.Errorf("parse last: %w", err)
		}

		price = Price{
			Venue:     b.Venue(),
			Currency:  strings.ToUpper(currency),
			Bid:       bid,
			Ask:       ask,
			Last:      last,
			FetchedAt: time.Now().UTC(),
		}
		return nil
	})
	return price, err
}

// PlaceMarketOrder submits a market order. A fiat Value is converted to a
// base amount at the current ask before submission.
func (b *BTCMarkets) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}

	amount := req.Amount
	price, err := b.GetPrice(ctx, req.Currency)
	if err != nil {
		return OrderResult{}, err
	}
	if amount.IsZero() {
		amount = req.Value.DivRound(price.Ask, 8)
		if amount.IsZero() {
			return OrderResult{}, NewValidationError("invalid_amount", "value %s too small to buy any bitcoin", req.Value)
		}
	}

	side := "Bid"
	if req.Side == SideSell {
		side = "Ask"
	}
	order := map[string]string{
		"marketId": "BTC-" + strings.ToUpper(req.Currency),
		"side":     side,
		"type":     "Market",
		"amount":   amount.String(),
	}
	if req.ClientReference != "" {
		order["clientOrderId"] = req.ClientReference
	}
	body, err := json.Marshal(order)
	if err != nil {
		return OrderResult{}, err
	}

	var result OrderResult
	err = b.guard.call(ctx, ratelimit.ClassTrading, func(ctx context.Context) error {
		payload, err := b.do(ctx, http.MethodPost, "/v3/orders", body, true)
		if err != nil {
			return err
		}

		var res struct {
			OrderID string `json:"orderId"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal(payload, &res); err != nil {
			return fmt.Errorf("decode place order: %w", err)
		}
		if res.OrderID == "" {
			return newRejection(b.Venue(), "order_rejected", fmt.Errorf("no order id returned"))
		}

		rate := price.Ask
		if req.Side == SideSell {
			rate = price.Bid
		}
		fiat := amount.Mul(rate).Round(2)
		result = OrderResult{
			Venue:         b.Venue(),
			OrderID:       res.OrderID,
			Side:          req.Side,
			BitcoinAmount: amount,
			FiatAmount:    fiat,
			Rate:          rate,
			Fee:           fiat.Mul(b.TradingFeeRate()).Round(2),
			Currency:      strings.ToUpper(req.Currency),
			ExecutedAt:    time.Now().UTC(),
		}
		return nil
	})
	return result, err
}

// GetOrderStatus looks up a previously placed order.
func (b *BTCMarkets) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	var status OrderStatus
	err := b.guard.call(ctx, ratelimit.ClassAccount, func(ctx context.Context) error {
		payload, err := b.do(ctx, http.MethodGet, "/v3/orders/"+orderID, nil, true)
		if err != nil {
			return err
		}

		var res struct {
			OrderID string `json:"orderId"`
			Status  string `json:"status"`
			Amount  string `json:"amount"`
			OpenAmt string `json:"openAmount"`
		}
		if err := json.Unmarshal(payload, &res); err != nil {
			return fmt.Errorf("decode order status: %w", err)
		}

		total, err := decimal.NewFromString(res.Amount)
		if err != nil {
			return fmt.Errorf("parse order amount: %w", err)
		}
		open := decimal.Zero
		if res.OpenAmt != "" {
			open, err = decimal.NewFromString(res.OpenAmt)
			if err != nil {
				return fmt.Errorf("parse open amount: %w", err)
			}
		}
		status = OrderStatus{OrderID: res.OrderID, Status: res.Status, Filled: total.Sub(open)}
		return nil
	})
	return status, err
}

// GetBalance lists venue balances.
func (b *BTCMarkets) GetBalance(ctx context.Context) ([]Balance, error) {
	var balances []Balance
	err := b.guard.call(ctx, ratelimit.ClassAccount, func(ctx context.Context) error {
		payload, err := b.do(ctx, http.MethodGet, "/v3/accounts/me/balances", nil, true)
		if err != nil {
			return err
		}

		var res []struct {
			AssetName string `json:"assetName"`
			Available string `json:"available"`
		}
		if err := json.Unmarshal(payload, &res); err != nil {
			return fmt.Errorf("decode balances: %w", err)
		}

		balances = balances[:0]
		for _, entry := range res {
			available, err := decimal.NewFromString(entry.Available)
			if err != nil {
				return fmt.Errorf("parse balance for %s: %w", entry.AssetName, err)
			}
			balances = append(balances, Balance{Asset: entry.AssetName, Available: available})
		}
		return nil
	})
	return balances, err
}

// Withdraw sends Bitcoin to a pre-validated destination.
func (b *BTCMarkets) Withdraw(ctx context.Context, req WithdrawalRequest) (WithdrawalResult, error) {
	if err := req.Validate(decimal.NewFromFloat(b.opts.MinWithdrawal)); err != nil {
		return WithdrawalResult{}, err
	}

	body, err := json.Marshal(map[string]string{
		"assetName": "BTC",
		"toAddress": req.Address,
		"amount":    req.Amount.String(),
	})
	if err != nil {
		return WithdrawalResult{}, err
	}

	var result WithdrawalResult
	err = b.guard.call(ctx, ratelimit.ClassWithdrawal, func(ctx context.Context) error {
		payload, err := b.do(ctx, http.MethodPost, "/v3/withdrawals", body, true)
		if err != nil {
			return err
		}

		var res struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Fee    string `json:"fee"`
		}
		if err := json.Unmarshal(payload, &res); err != nil {
			return fmt.Errorf("decode withdrawal: %w", err)
		}
		if res.ID == "" {
			return newRejection(b.Venue(), "withdrawal_rejected", fmt.Errorf("no withdrawal id returned"))
		}

		fee := decimal.Zero
		if res.Fee != "" {
			fee, err = decimal.NewFromString(res.Fee)
			if err != nil {
				return fmt.Errorf("parse withdrawal fee: %w", err)
			}
		}
		result = WithdrawalResult{Venue: b.Venue(), ReferenceID: res.ID, Amount: req.Amount, Fee: fee}
		return nil
	})
	return result, err
}

func (b *BTCMarkets) do(ctx context.Context, method, path string, body []byte, signed bool) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	ua := strings.TrimSpace(b.opts.UserAgent)
	if ua == "" {
		ua = "satbridge/1.0"
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if signed {
		timestamp := strconv.FormatInt(b.nowFunc().UnixMilli(), 10)
		sig, err := btcMarketsSign(b.opts.APISecret, method, path, timestamp, body)
		if err != nil {
			return nil, newRejection(b.Venue(), "invalid_signature", err)
		}
		req.Header.Set("BM-AUTH-APIKEY", b.opts.APIKey)
		req.Header.Set("BM-AUTH-TIMESTAMP", timestamp)
		req.Header.Set("BM-AUTH-SIGNATURE", sig)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, newTransient(b.Venue(), "network", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransient(b.Venue(), "network", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, b.parseError(resp.StatusCode, payload)
	}
	return payload, nil
}

func (b *BTCMarkets) parseError(status int, payload []byte) *Error {
	code := fmt.Sprintf("http_%d", status)
	message := strings.TrimSpace(string(payload))

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Code != "" {
		code = apiErr.Code
		message = apiErr.Message
	}

	err := fmt.Errorf("btcmarkets api error (%d): %s", status, message)
	if classifyHTTPStatus(status) == KindTransient {
		return newTransient(b.Venue(), code, err)
	}
	switch code {
	case "InsufficientFund", "InsufficientFunds":
		return newRejection(b.Venue(), "insufficient_funds", err)
	case "InvalidAddress":
		return newRejection(b.Venue(), "invalid_address", err)
	case "InvalidAuthentication", "InvalidAPIKey":
		return newRejection(b.Venue(), "invalid_credentials", err)
	default:
		return newRejection(b.Venue(), code, err)
	}
}

// btcMarketsSign computes HMAC-SHA512 over method+path+timestamp+body.
func btcMarketsSign(secret, method, path, timestamp string, body []byte) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

var _ Client = (*BTCMarkets)(nil)
