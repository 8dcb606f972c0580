package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

func testEvent() Event {
	return Event{
		Type:      EventManualReview,
		TenantID:  "tenant-1",
		PaymentID: "pay-123",
		Amount:    decimal.NewFromInt(100),
		Attempts:  3,
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "pay-123") {
		t.Fatalf("text should mention the payment id: %q", received["text"])
	}
	if !strings.Contains(received["text"], "manual review") {
		t.Fatalf("text should name the outcome: %q", received["text"])
	}
}

func TestTelegramNotifierRejectsNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), testEvent()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

type captureWriter struct {
	messages []kafka.Message
	err      error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func TestKafkaNotifierKeysByPaymentID(t *testing.T) {
	writer := &captureWriter{}
	notifier := &KafkaNotifier{
		writer:  writer,
		timeout: time.Second,
		logger:  zerolog.Nop(),
		nowFunc: func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) },
	}

	if err := notifier.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.messages))
	}
	if string(writer.messages[0].Key) != "pay-123" {
		t.Fatalf("message should be keyed by payment id, got %q", writer.messages[0].Key)
	}

	var decoded Event
	if err := json.Unmarshal(writer.messages[0].Value, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Type != EventManualReview || decoded.TenantID != "tenant-1" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
	if decoded.EmittedAt.IsZero() {
		t.Fatal("EmittedAt should be stamped when unset")
	}
}

func TestKafkaNotifierPropagatesWriteError(t *testing.T) {
	writer := &captureWriter{err: errors.New("broker down")}
	notifier := &KafkaNotifier{writer: writer, timeout: time.Second, logger: zerolog.Nop(), nowFunc: time.Now}

	if err := notifier.Notify(context.Background(), testEvent()); err == nil {
		t.Fatal("writer error should propagate")
	}
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Notify(context.Context, Event) error {
	s.calls++
	return s.err
}

func TestMultiDeliversToAllSinks(t *testing.T) {
	first := &stubNotifier{err: errors.New("first failed")}
	second := &stubNotifier{}

	err := Multi{first, second}.Notify(context.Background(), testEvent())
	if err == nil {
		t.Fatal("joined error expected when a sink fails")
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("every sink should be attempted: %d, %d", first.calls, second.calls)
	}
}
