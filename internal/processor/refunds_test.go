package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestRefundSuccess(t *testing.T) {
	var gotPath, gotAuth, gotIdem string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"refund_id": "rf-1",
			"amount":    "100",
			"status":    "succeeded",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", time.Second, zerolog.Nop())
	result, err := client.Refund(context.Background(), "pay-1", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Refund should succeed: %v", err)
	}

	if gotPath != "/v1/refunds" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotIdem != "refund-pay-1" {
		t.Fatalf("unexpected idempotency key %q", gotIdem)
	}
	if gotBody["payment_id"] != "pay-1" || gotBody["amount"] != "100" {
		t.Fatalf("unexpected request body %#v", gotBody)
	}
	if result.RefundID != "rf-1" || !result.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRefundRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"refund_id": "rf-2", "status": "failed"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", time.Second, zerolog.Nop())
	if _, err := client.Refund(context.Background(), "pay-2", decimal.NewFromInt(50)); err == nil {
		t.Fatal("rejected refund should fail")
	}
}

func TestRefundHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", time.Second, zerolog.Nop())
	if _, err := client.Refund(context.Background(), "pay-3", decimal.NewFromInt(50)); err == nil {
		t.Fatal("5xx should fail")
	}
}
