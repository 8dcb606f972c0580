package exchange

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"satbridge/internal/breaker"
	"satbridge/internal/ratelimit"
)

const maxAttempts = 3

// classTimeouts are the hard per-call ceilings by endpoint class.
var classTimeouts = map[ratelimit.EndpointClass]time.Duration{
	ratelimit.ClassMarketData: 10 * time.Second,
	ratelimit.ClassAccount:    15 * time.Second,
	ratelimit.ClassTrading:    15 * time.Second,
	ratelimit.ClassWithdrawal: 20 * time.Second,
}

// guard wraps every venue network call in order: rate limit acquisition,
// circuit breaker, hard timeout, then bounded retry for transient failures.
type guard struct {
	venue   string
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	logger  zerolog.Logger
	backoff func(attempt int) time.Duration
}

func newGuard(venue string, limiter *ratelimit.Limiter, brk *breaker.Breaker, logger zerolog.Logger) *guard {
	return &guard{
		venue:   venue,
		limiter: limiter,
		breaker: brk,
		logger:  logger,
		backoff: defaultBackoff,
	}
}

// call runs fn up to maxAttempts times. Validation errors, venue rejections,
// open circuits, and exhausted quotas propagate immediately.
func (g *guard) call(ctx context.Context, class ratelimit.EndpointClass, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := g.limiter.Acquire(ctx, class); err != nil {
			return err
		}

		err := g.breaker.Execute(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, classTimeouts[class])
			defer cancel()
			return fn(callCtx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, breaker.ErrCircuitOpen) || !IsRetriable(err) {
			return err
		}

		lastErr = err
		if attempt == maxAttempts {
			break
		}

		delay := g.backoff(attempt)
		g.logger.Warn().
			Str("venue", g.venue).
			Str("class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("transient venue failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// defaultBackoff doubles per attempt from 500ms with up to 30% jitter.
func defaultBackoff(attempt int) time.Duration {
	base := 500 * time.Millisecond << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base) * 3 / 10))
	return base + jitter
}
