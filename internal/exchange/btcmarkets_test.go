package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTestBTCMarkets(t *testing.T, baseURL string) *BTCMarkets {
	t.Helper()
	limiter, brk := newTestGuardDeps(t)
	b := NewBTCMarkets(BTCMarketsOptions{
		BaseURL:   baseURL,
		APIKey:    "key",
		APISecret: "c2VjcmV0",
		FeeRate:   0.0085,
	}, limiter, brk, zerolog.Nop())
	b.guard.backoff = func(int) time.Duration { return time.Millisecond }
	return b
}

func TestBTCMarketsGetPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/markets/BTC-AUD/ticker" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"bestBid":   "99900.50",
			"bestAsk":   "100100.25",
			"lastPrice": "100000.00",
		})
	}))
	defer srv.Close()

	b := newTestBTCMarkets(t, srv.URL)
	price, err := b.GetPrice(context.Background(), "aud")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price.Bid.Cmp(decimal.NewFromFloat(99900.50)) != 0 {
		t.Fatalf("unexpected bid %s", price.Bid)
	}
	if price.Venue != "btcmarkets" {
		t.Fatalf("unexpected venue %s", price.Venue)
	}
}

func TestBTCMarketsOrderSignedAndFilled(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/markets/BTC-AUD/ticker":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"bestBid": "99900", "bestAsk": "100000", "lastPrice": "99950",
			})
		case "/v3/orders":
			gotHeaders = r.Header.Clone()
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["clientOrderId"] != "pay-42" {
				t.Fatalf("client order id not forwarded: %#v", body)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"orderId": "o-1", "status": "Fully Matched"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	b := newTestBTCMarkets(t, srv.URL)
	result, err := b.PlaceMarketOrder(context.Background(), OrderRequest{
		Side:            SideBuy,
		Value:           decimal.NewFromInt(1000),
		Currency:        "AUD",
		ClientReference: "pay-42",
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}

	if result.OrderID != "o-1" {
		t.Fatalf("unexpected order id %s", result.OrderID)
	}
	// 1000 AUD at 100000 ask buys 0.01 BTC.
	if result.BitcoinAmount.Cmp(decimal.NewFromFloat(0.01)) != 0 {
		t.Fatalf("unexpected bitcoin amount %s", result.BitcoinAmount)
	}
	for _, header := range []string{"Bm-Auth-Apikey", "Bm-Auth-Timestamp", "Bm-Auth-Signature"} {
		if gotHeaders.Get(header) == "" {
			t.Fatalf("missing auth header %s", header)
		}
	}
}

func TestBTCMarketsRejectionClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v3/markets/BTC-AUD/ticker" {
			_ = json.NewEncoder(w).Encode(map[string]string{
				"bestBid": "99900", "bestAsk": "100000", "lastPrice": "99950",
			})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "InsufficientFund", "message": "not enough AUD"})
	}))
	defer srv.Close()

	b := newTestBTCMarkets(t, srv.URL)
	_, err := b.PlaceMarketOrder(context.Background(), OrderRequest{
		Side: SideBuy, Value: decimal.NewFromInt(1000), Currency: "AUD",
	})

	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != KindVenueRejection || typed.Code != "insufficient_funds" {
		t.Fatalf("expected insufficient_funds rejection, got %v", err)
	}
}
