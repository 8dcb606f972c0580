package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mock is an in-process venue used for dry runs and tests. It fills every
// valid order at a fixed price and remembers fills by client reference.
type Mock struct {
	venue   string
	feeRate decimal.Decimal

	mu      sync.Mutex
	price   decimal.Decimal
	balance decimal.Decimal
	orders  map[string]OrderResult
	byRef   map[string]OrderResult
	fail    error
}

// NewMock constructs a mock venue quoting at the given price.
func NewMock(venue string, price decimal.Decimal) *Mock {
	if venue == "" {
		venue = "mock"
	}
	return &Mock{
		venue:   venue,
		feeRate: decimal.NewFromFloat(0.001),
		price:   price,
		balance: decimal.NewFromInt(10),
		orders:  make(map[string]OrderResult),
		byRef:   make(map[string]OrderResult),
	}
}

// SetPrice changes the quoted price.
func (m *Mock) SetPrice(price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.price = price
}

// FailWith makes all subsequent calls fail with err; nil restores service.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// OrderByReference returns a previous fill for the client reference, if any.
func (m *Mock) OrderByReference(ref string) (OrderResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.byRef[ref]
	return result, ok
}

// Venue identifies the mock in health maps and purchase records.
func (m *Mock) Venue() string { return m.venue }

// TradingFeeRate reports the mock taker fee fraction.
func (m *Mock) TradingFeeRate() decimal.Decimal { return m.feeRate }

// GetPrice quotes the configured price with a one-basis-point spread.
func (m *Mock) GetPrice(ctx context.Context, currency string) (Price, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return Price{}, m.fail
	}

	spread := m.price.Mul(decimal.NewFromFloat(0.0001))
	return Price{
		Venue:     m.venue,
		Currency:  currency,
		Bid:       m.price.Sub(spread),
		Ask:       m.price.Add(spread),
		Last:      m.price,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// PlaceMarketOrder fills immediately at the configured price.
func (m *Mock) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return OrderResult{}, m.fail
	}

	if req.ClientReference != "" {
		if prior, ok := m.byRef[req.ClientReference]; ok {
			return prior, nil
		}
	}

	amount := req.Amount
	if amount.IsZero() {
		amount = req.Value.DivRound(m.price, 8)
	}
	fiat := amount.Mul(m.price).Round(2)

	result := OrderResult{
		Venue:         m.venue,
		OrderID:       uuid.NewString(),
		Side:          req.Side,
		BitcoinAmount: amount,
		FiatAmount:    fiat,
		Rate:          m.price,
		Fee:           fiat.Mul(m.feeRate).Round(2),
		Currency:      req.Currency,
		ExecutedAt:    time.Now().UTC(),
	}
	m.orders[result.OrderID] = result
	if req.ClientReference != "" {
		m.byRef[req.ClientReference] = result
	}
	return result, nil
}

// GetOrderStatus reports any remembered order as filled.
func (m *Mock) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return OrderStatus{}, m.fail
	}

	order, ok := m.orders[orderID]
	if !ok {
		return OrderStatus{}, newRejection(m.venue, "order_not_found", fmt.Errorf("order %s not found", orderID))
	}
	return OrderStatus{OrderID: orderID, Status: "filled", Filled: order.BitcoinAmount}, nil
}

// GetBalance reports the mock BTC balance.
func (m *Mock) GetBalance(ctx context.Context) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	return []Balance{{Asset: "BTC", Available: m.balance}}, nil
}

// Withdraw acknowledges any valid withdrawal.
func (m *Mock) Withdraw(ctx context.Context, req WithdrawalRequest) (WithdrawalResult, error) {
	if err := req.Validate(decimal.NewFromFloat(0.0001)); err != nil {
		return WithdrawalResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return WithdrawalResult{}, m.fail
	}
	return WithdrawalResult{Venue: m.venue, ReferenceID: uuid.NewString(), Amount: req.Amount}, nil
}

var _ Client = (*Mock)(nil)
