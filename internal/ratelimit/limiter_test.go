package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLimiterTradingRaisesWhenExhausted(t *testing.T) {
	l := New(map[EndpointClass]Quota{
		ClassTrading: {RequestsPerMinute: 2, Wait: false},
	})

	ctx := context.Background()
	if err := l.Acquire(ctx, ClassTrading); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(ctx, ClassTrading); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if err := l.Acquire(ctx, ClassTrading); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l := New(map[EndpointClass]Quota{
		ClassTrading: {RequestsPerMinute: 1, Wait: false},
	})
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	if err := l.Acquire(ctx, ClassTrading); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(ctx, ClassTrading); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited inside window, got %v", err)
	}

	now = now.Add(61 * time.Second)
	if err := l.Acquire(ctx, ClassTrading); err != nil {
		t.Fatalf("acquire after window slid: %v", err)
	}
}

func TestLimiterUnknownClassUnlimited(t *testing.T) {
	l := New(nil)
	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background(), ClassMarketData); err != nil {
			t.Fatalf("unlimited class acquire %d: %v", i, err)
		}
	}
}

func TestLimiterWaitRespectsContext(t *testing.T) {
	l := New(map[EndpointClass]Quota{
		ClassMarketData: {RequestsPerMinute: 1, Wait: true},
	})

	if err := l.Acquire(context.Background(), ClassMarketData); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, ClassMarketData); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while waiting, got %v", err)
	}
}

func TestLimiterConcurrentAcquisitionIsAtomic(t *testing.T) {
	const quota = 10
	l := New(map[EndpointClass]Quota{
		ClassTrading: {RequestsPerMinute: quota, Wait: false},
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), ClassTrading); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != quota {
		t.Fatalf("expected exactly %d grants, got %d", quota, granted)
	}
}
