package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the protected operation.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State enumerates the three breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String renders the state for logs and monitoring events.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// TransitionFunc observes state changes. Implementations must not panic;
// the breaker swallows nothing and calls it while holding no lock.
type TransitionFunc func(name string, from, to State)

// Options tune a single breaker instance.
type Options struct {
	// Name identifies the protected operation, e.g. "kraken.trading".
	Name string
	// FailureThreshold is the number of failures inside MonitoringWindow
	// that opens the circuit.
	FailureThreshold int
	// MonitoringWindow is the rolling window over which failures count.
	MonitoringWindow time.Duration
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of half-open successes that close
	// the circuit.
	SuccessThreshold int
	// OnTransition, if set, is invoked for every state change.
	OnTransition TransitionFunc
}

// Breaker protects one failure-prone operation with a three-state model.
// Safe for concurrent use.
type Breaker struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	failures  []time.Time
	successes int
	openedAt  time.Time
	probing   bool
	nowFunc   func() time.Time
}

// New constructs a Breaker, applying defaults for unset options.
func New(opts Options, logger zerolog.Logger) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.MonitoringWindow <= 0 {
		opts.MonitoringWindow = time.Minute
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 30 * time.Second
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 2
	}

	return &Breaker{
		opts:    opts,
		logger:  logger.With().Str("component", "breaker").Str("breaker", opts.Name).Logger(),
		state:   StateClosed,
		nowFunc: time.Now,
	}
}

// State reports the current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under the breaker's protection. When the circuit is open
// and the recovery timeout has not elapsed it fails fast with ErrCircuitOpen
// without invoking op.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// admit decides whether the next call may proceed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.nowFunc().Sub(b.openedAt) < b.opts.RecoveryTimeout {
			return ErrCircuitOpen
		}
		// Recovery timeout elapsed: let exactly one probe through.
		b.transitionLocked(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch b.state {
	case StateClosed:
		// A success does not clear windowed failure timestamps, only the
		// in-flight streak tracked implicitly by the window pruning.
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.opts.SuccessThreshold {
			b.failures = nil
			b.successes = 0
			b.transitionLocked(StateClosed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.probing = false

	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.opts.FailureThreshold {
			b.openLocked(now)
		}
	case StateHalfOpen:
		// A single failure while probing reopens immediately.
		b.openLocked(now)
	case StateOpen:
		b.openedAt = now
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.openedAt = now
	b.successes = 0
	b.transitionLocked(StateOpen)
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.opts.MonitoringWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	b.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("breaker state changed")

	if b.opts.OnTransition != nil {
		// Observers run outside the lock so they cannot deadlock a caller.
		cb, name := b.opts.OnTransition, b.opts.Name
		go func() {
			defer func() { recover() }()
			cb(name, from, to)
		}()
	}
}
