package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when a quota is exhausted and the endpoint
// class does not permit waiting.
var ErrRateLimited = errors.New("ratelimit: quota exhausted")

// EndpointClass buckets venue endpoints by their venue-side quota.
type EndpointClass string

const (
	ClassMarketData EndpointClass = "market_data"
	ClassAccount    EndpointClass = "account"
	ClassTrading    EndpointClass = "trading"
	ClassWithdrawal EndpointClass = "withdrawal"
)

// Quota describes one class's allowance.
type Quota struct {
	// RequestsPerMinute is the rolling-minute allowance. Zero disables
	// limiting for the class.
	RequestsPerMinute int
	// Wait selects the denied-acquisition policy: cooperative wait when
	// true, ErrRateLimited when false. Trading and withdrawal classes
	// must not wait; money movement is never queued behind a limiter.
	Wait bool
}

// DefaultQuotas mirror typical venue allowances. Trading and withdrawal
// raise instead of blocking.
func DefaultQuotas() map[EndpointClass]Quota {
	return map[EndpointClass]Quota{
		ClassMarketData: {RequestsPerMinute: 60, Wait: true},
		ClassAccount:    {RequestsPerMinute: 30, Wait: true},
		ClassTrading:    {RequestsPerMinute: 20, Wait: false},
		ClassWithdrawal: {RequestsPerMinute: 10, Wait: false},
	}
}

type window struct {
	quota  Quota
	stamps []time.Time
}

// Limiter enforces independent rolling-minute quotas per endpoint class.
// Safe for concurrent use; acquisition is atomic.
type Limiter struct {
	mu      sync.Mutex
	windows map[EndpointClass]*window
	nowFunc func() time.Time
}

// New builds a Limiter from per-class quotas.
func New(quotas map[EndpointClass]Quota) *Limiter {
	windows := make(map[EndpointClass]*window, len(quotas))
	for class, q := range quotas {
		windows[class] = &window{quota: q}
	}
	return &Limiter{windows: windows, nowFunc: time.Now}
}

// Acquire consumes one slot for the class. Unknown or unlimited classes
// always succeed. A denied acquisition waits for the oldest slot to expire
// when the class policy allows it, otherwise returns ErrRateLimited.
func (l *Limiter) Acquire(ctx context.Context, class EndpointClass) error {
	for {
		ok, retryAt := l.tryAcquire(class)
		if ok {
			return nil
		}

		l.mu.Lock()
		wait := l.windows[class].quota.Wait
		l.mu.Unlock()
		if !wait {
			return fmt.Errorf("%w: class %s", ErrRateLimited, class)
		}

		delay := time.Until(retryAt)
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire reports success, or the earliest time a slot frees up.
func (l *Limiter) tryAcquire(class EndpointClass) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[class]
	if !ok || w.quota.RequestsPerMinute <= 0 {
		return true, time.Time{}
	}

	now := l.nowFunc()
	cutoff := now.Add(-time.Minute)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) < w.quota.RequestsPerMinute {
		w.stamps = append(w.stamps, now)
		return true, time.Time{}
	}
	return false, w.stamps[0].Add(time.Minute)
}
