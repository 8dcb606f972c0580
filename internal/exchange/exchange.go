package exchange

import (
	"context"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a market order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Price is a venue quote for one currency pair at a point in time.
type Price struct {
	Venue     string
	Currency  string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	FetchedAt time.Time
}

// OrderRequest describes a market order. Exactly one of Amount (base BTC)
// or Value (quote fiat) must be positive.
type OrderRequest struct {
	Side     Side
	Amount   decimal.Decimal
	Value    decimal.Decimal
	Currency string
	// ClientReference is the caller's idempotency key, echoed by venues
	// that support client order ids.
	ClientReference string
}

// Validate rejects malformed orders before any network traffic.
func (r OrderRequest) Validate() error {
	if r.Side != SideBuy && r.Side != SideSell {
		return NewValidationError("invalid_side", "side must be buy or sell, got %q", r.Side)
	}
	if r.Currency == "" {
		return NewValidationError("missing_currency", "currency is required")
	}
	hasAmount := r.Amount.IsPositive()
	hasValue := r.Value.IsPositive()
	if hasAmount == hasValue {
		return NewValidationError("invalid_amount", "exactly one of amount or value must be positive")
	}
	return nil
}

// OrderResult is the venue's fill report for a market order.
type OrderResult struct {
	Venue         string
	OrderID       string
	Side          Side
	BitcoinAmount decimal.Decimal
	FiatAmount    decimal.Decimal
	Rate          decimal.Decimal
	Fee           decimal.Decimal
	Currency      string
	ExecutedAt    time.Time
}

// OrderStatus reports the venue-side lifecycle of a placed order.
type OrderStatus struct {
	OrderID string
	Status  string
	Filled  decimal.Decimal
}

// Balance is a single-asset venue balance.
type Balance struct {
	Asset     string
	Available decimal.Decimal
}

// WithdrawalRequest moves Bitcoin off a venue.
type WithdrawalRequest struct {
	Address string
	Amount  decimal.Decimal
}

// Bitcoin address shapes: legacy base58 (1/3 prefix) and bech32 (bc1).
var bitcoinAddressPattern = regexp.MustCompile(`^(bc1[a-z0-9]{25,87}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})$`)

// Validate checks destination format and the venue-independent floor.
func (r WithdrawalRequest) Validate(minAmount decimal.Decimal) error {
	if !bitcoinAddressPattern.MatchString(r.Address) {
		return NewValidationError("invalid_address", "destination %q is not a valid bitcoin address", r.Address)
	}
	if !r.Amount.IsPositive() {
		return NewValidationError("invalid_amount", "withdrawal amount must be positive")
	}
	if r.Amount.LessThan(minAmount) {
		return NewValidationError("below_minimum", "withdrawal amount %s below venue minimum %s", r.Amount, minAmount)
	}
	return nil
}

// WithdrawalResult acknowledges a venue withdrawal.
type WithdrawalResult struct {
	Venue       string
	ReferenceID string
	Amount      decimal.Decimal
	Fee         decimal.Decimal
}

// Client is the uniform trading capability implemented per venue.
type Client interface {
	Venue() string
	GetPrice(ctx context.Context, currency string) (Price, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	GetBalance(ctx context.Context) ([]Balance, error)
	Withdraw(ctx context.Context, req WithdrawalRequest) (WithdrawalResult, error)
	// TradingFeeRate is the venue's taker fee as a fraction, for cost ranking.
	TradingFeeRate() decimal.Decimal
}
