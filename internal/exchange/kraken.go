package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"satbridge/internal/breaker"
	"satbridge/internal/ratelimit"
)

const (
	krakenTickerPath   = "/0/public/Ticker"
	krakenAddOrderPath = "/0/private/AddOrder"
	krakenQueryPath    = "/0/private/QueryOrders"
	krakenBalancePath  = "/0/private/Balance"
	krakenWithdrawPath = "/0/private/Withdraw"
	krakenBitcoinAsset = "XXBT"
)

// KrakenOptions parameterise the Kraken client.
type KrakenOptions struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	FeeRate       float64
	MinWithdrawal float64
	// WithdrawalKey names a withdrawal destination pre-registered with
	// Kraken; raw addresses are never accepted for withdrawal.
	WithdrawalKey string
	UserAgent     string
}

// Kraken trades against the Kraken spot API.
type Kraken struct {
	opts    KrakenOptions
	guard   *guard
	client  *http.Client
	logger  zerolog.Logger
	baseURL string
	nonce   func() int64
}

// NewKraken constructs a Kraken client wired through the given limiter
// and breaker.
func NewKraken(opts KrakenOptions, limiter *ratelimit.Limiter, brk *breaker.Breaker, logger zerolog.Logger) *Kraken {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.kraken.com"
	}
	log := logger.With().Str("component", "kraken_client").Logger()

	return &Kraken{
		opts:    opts,
		guard:   newGuard("kraken", limiter, brk, log),
		client:  &http.Client{},
		logger:  log,
		baseURL: baseURL,
		nonce:   func() int64 { return time.Now().UnixNano() },
	}
}

// Venue identifies this client in health maps and purchase records.
func (k *Kraken) Venue() string { return "kraken" }

// TradingFeeRate reports the configured taker fee fraction.
func (k *Kraken) TradingFeeRate() decimal.Decimal {
	return decimal.NewFromFloat(k.opts.FeeRate)
}

// GetPrice fetches the BTC ticker for the given quote currency.
func (k *Kraken) GetPrice(ctx context.Context, currency string) (Price, error) {
	pair := "XBT" + strings.ToUpper(currency)

	var price Price
	err := k.guard.call(ctx, ratelimit.ClassMarketData, func(ctx context.Context) error {
		payload, err := k.public(ctx, krakenTickerPath, url.Values{"pair": {pair}})
		if err != nil {
			return err
		}

		var res struct {
			Result map[string]struct {
				Ask  []string `json:"a"`
				Bid  []string `json:"b"`
				Last []string `json:"c"`
			} `json:"result"`
		}
		if err := json.Unmarshal(payload, &res); err != nil {
			return fmt.Errorf("decode ticker: %w", err)
		}

		for _, ticker := range res.Result {
			ask, err := firstDecimal(ticker.Ask)
			if err != nil {
				return fmt.Errorf("parse ask: %w", err)
			}
			bid, err := firstDecimal(ticker.Bid)
			if err != nil {
				return fmt.Errorf("parse bid: %w", err)
			}
			last, err := firstDecimal(ticker.Last)
			if err != nil {
				return fmt.Errorf("parse last: %w", err)
			}
			price = Price{
				Venue:     k.Venue(),
				Currency:  strings.ToUpper(currency),
				Bid:       bid,
				Ask:       ask,
				Last:      last,
				FetchedAt: time.Now().UTC(),
			}
			return nil
		}
		return newRejection(k.Venue(), "unknown_pair", fmt.Errorf("no ticker returned for %s", pair))
	})
	return price, err
}

// PlaceMarketOrder submits a market order. A fiat Value is converted to a
// base amount at the current ask before submission.
func (k *Kraken) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}

	amount := req.Amount
	price, err := k.GetPrice(ctx, req.Currency)
	if err != nil {
		return OrderResult{}, err
	}
	if amount.IsZero() {
		amount = req.Value.DivRound(price.Ask, 8)
		if amount.IsZero() {
			return OrderResult{}, NewValidationError("invalid_amount", "value %s too small to buy any bitcoin", req.Value)
		}
	}

	form := url.Values{
		"pair":      {"XBT" + strings.ToUpper(req.Currency)},
		"type":      {string(req.Side)},
		"ordertype": {"market"},
		"volume":    {amount.String()},
	}
	if req.ClientReference != "" {
		form.Set("cl_ord_id", req.ClientReference)
	}

	var result OrderResult
	err = k.guard.call(ctx, ratelimit.ClassTrading, func(ctx context.Context) error {
		payload, err := k.private(ctx, krakenAddOrderPath, form)
		if err != nil {
			return err
		}

		var res struct {
			Result struct {
				TxIDs []string `json:"txid"`
			} `json:"result"`
		}
		if err := json.Unmarshal(payload, &res); err != nil {
			return fmt.Errorf("decode add order: %w", err)
		}
		if len(res.Result.TxIDs) == 0 {
			return newRejection(k.Venue(), "order_rejected", fmt.Errorf("no txid returned"))
		}

		rate := price.Ask
		if req.Side == SideSell {
			rate = price.Bid
		}
		fiat := amount.Mul(rate).Round(2)
		result = OrderResult{
			Venue:         k.Venue(),
			OrderID:       res.Result.TxIDs[0],
			Side:          req.Side,
			BitcoinAmount: amount,
			FiatAmount:    fiat,
			Rate:          rate,
			Fee:           fiat.Mul(k.TradingFeeRate()).Round(2),
			Currency:      strings.ToUpper(req.Currency),
			ExecutedAt:    time.Now().UTC(),
		}
		return nil
	})
	return result, err
}

// GetOrderStatus looks up a previously placed order.
func (k *Kraken) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	var status OrderStatus
	err := k.guard.call(ctx, ratelimit.ClassAccount, func(ctx context.Context) error {
		payload, err := k.private(ctx, krakenQueryPath, url.Values{"txid": {orderID}})
		if err != nil {
			return err
		}

		var res struct {
			Result map[string]struct {
				Status  string `json:"status"`
				VolExec string `json:"vol_exec"`
			} `json:"result"`
		}
		if err := json.Unmarshal(payload, &res); err != nil {
			return fmt.Errorf("decode query orders: %w", err)
		}

		order, ok := res.Result[orderID]
		if !ok {
			return newRejection(k.Venue(), "order_not_found", fmt.Errorf("order %s not found", orderID))
		}
		filled, err := decimal.NewFromString(order.VolExec)
		if err != nil {
			return fmt.Errorf("parse executed volume: %w", err)
		}
		status = OrderStatus{OrderID: orderID, Status: order.Status, Filled: filled}
		return nil
	})
	return status, err
}

// GetBalance lists venue balances.
func (k *Kraken) GetBalance(ctx context.Context) ([]Balance, error) {
	var balances []Balance
	err := k.guard.call(ctx, ratelimit.ClassAccount, func(ctx context.Context) error {
		payload, err := k.private(ctx, krakenBalancePath, url.Values{})
		if err != nil {
			return err
		}

		var res struct {
			Result map[string]string `json:"result"`
		}
		if err := json.Unmarshal(payload, &res); err != nil {
			return fmt.Errorf("decode balance: %w", err)
		}

		balances = balances[:0]
		for asset, amountStr := range res.Result {
			amount, err := decimal.NewFromString(amountStr)
			if err != nil {
				return fmt.Errorf("parse balance for %s: %w", asset, err)
			}
			balances = append(balances, Balance{Asset: asset, Available: amount})
		}
		return nil
	})
	return balances, err
}

// Withdraw sends Bitcoin to a pre-validated destination.
func (k *Kraken) Withdraw(ctx context.Context, req WithdrawalRequest) (WithdrawalResult, error) {
	if err := req.Validate(decimal.NewFromFloat(k.opts.MinWithdrawal)); err != nil {
		return WithdrawalResult{}, err
	}

	if k.opts.WithdrawalKey == "" {
		return WithdrawalResult{}, NewValidationError("withdrawal_key_missing", "kraken withdrawal key not configured")
	}

	form := url.Values{
		"asset":   {krakenBitcoinAsset},
		"key":     {k.opts.WithdrawalKey},
		"address": {req.Address},
		"amount":  {req.Amount.String()},
	}

	var result WithdrawalResult
	err := k.guard.call(ctx, ratelimit.ClassWithdrawal, func(ctx context.Context) error {
		payload, err := k.private(ctx, krakenWithdrawPath, form)
		if err != nil {
			return err
		}

		var res struct {
			Result struct {
				RefID string `json:"refid"`
			} `json:"result"`
		}
		if err := json.Unmarshal(payload, &res); err != nil {
			return fmt.Errorf("decode withdraw: %w", err)
		}
		if res.Result.RefID == "" {
			return newRejection(k.Venue(), "withdrawal_rejected", fmt.Errorf("no reference id returned"))
		}
		result = WithdrawalResult{Venue: k.Venue(), ReferenceID: res.Result.RefID, Amount: req.Amount}
		return nil
	})
	return result, err
}

func (k *Kraken) public(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := k.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	k.setHeaders(req)
	return k.send(req)
}

func (k *Kraken) private(ctx context.Context, path string, form url.Values) ([]byte, error) {
	nonce := strconv.FormatInt(k.nonce(), 10)
	form.Set("nonce", nonce)
	body := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	k.setHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", k.opts.APIKey)

	sig, err := krakenSign(k.opts.APISecret, path, nonce, body)
	if err != nil {
		return nil, newRejection(k.Venue(), "invalid_signature", err)
	}
	req.Header.Set("API-Sign", sig)

	return k.send(req)
}

func (k *Kraken) setHeaders(req *http.Request) {
	ua := strings.TrimSpace(k.opts.UserAgent)
	if ua == "" {
		ua = "satbridge/1.0"
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json")
}

func (k *Kraken) send(req *http.Request) ([]byte, error) {
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, newTransient(k.Venue(), "network", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransient(k.Venue(), "network", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := classifyHTTPStatus(resp.StatusCode)
		httpErr := fmt.Errorf("kraken api status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		return nil, &Error{Kind: kind, Code: fmt.Sprintf("http_%d", resp.StatusCode), Venue: k.Venue(), Err: httpErr}
	}

	// Kraken reports application errors in-band with status 200.
	var envelope struct {
		Error []string `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.Error) > 0 {
		return nil, classifyKrakenError(k.Venue(), envelope.Error[0])
	}
	return payload, nil
}

// classifyKrakenError maps Kraken's EFamily:message codes onto the taxonomy.
func classifyKrakenError(venue, code string) *Error {
	err := fmt.Errorf("kraken api error: %s", code)
	switch {
	case strings.HasPrefix(code, "EAPI:Rate limit"), strings.HasPrefix(code, "EService:"):
		return newTransient(venue, "venue_busy", err)
	case strings.Contains(code, "Insufficient funds"):
		return newRejection(venue, "insufficient_funds", err)
	case strings.HasPrefix(code, "EAPI:Invalid signature"), strings.HasPrefix(code, "EAPI:Invalid key"):
		return newRejection(venue, "invalid_credentials", err)
	case strings.HasPrefix(code, "EOrder:"):
		return newRejection(venue, "order_rejected", err)
	case strings.HasPrefix(code, "EFunding:"):
		return newRejection(venue, "invalid_address", err)
	default:
		return newRejection(venue, "venue_error", err)
	}
}

// krakenSign computes the API-Sign header: HMAC-SHA512 over path + SHA256(nonce+body).
func krakenSign(secret, path, nonce, body string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func firstDecimal(values []string) (decimal.Decimal, error) {
	if len(values) == 0 {
		return decimal.Decimal{}, fmt.Errorf("empty value list")
	}
	return decimal.NewFromString(values[0])
}

var _ Client = (*Kraken)(nil)
