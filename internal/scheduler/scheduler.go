package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc is one cycle of a periodic job.
type JobFunc func(ctx context.Context, firedAt time.Time) error

// Options tune one periodic job.
type Options struct {
	Name     string
	Interval time.Duration
	// AlignToStart snaps ticks to interval boundaries (UTC).
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately fires one cycle before entering the wait loop.
	RunImmediately bool
}

// Scheduler drives a periodic job. A cycle still running when the next
// tick fires causes that tick to be skipped, never queued.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	running atomic.Bool
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
	}
}

// Run blocks, invoking the job each interval until ctx is cancelled.
// Job errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, job JobFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunImmediately {
		s.fire(ctx, job, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.fire(ctx, job, next)
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, job JobFunc, firedAt time.Time) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Time("fired_at", firedAt).Msg("previous cycle still running, tick skipped")
		return
	}

	go func() {
		defer s.running.Store(false)
		if err := job(ctx, firedAt); err != nil {
			s.logger.Error().Err(err).Time("fired_at", firedAt).Msg("job cycle failed")
		}
	}()
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}
