package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerFiresPeriodically(t *testing.T) {
	s := New(Options{Name: "test", Interval: 20 * time.Millisecond}, zerolog.Nop())

	var fired atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, func(context.Context, time.Time) error {
			if fired.Add(1) >= 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not fire 3 times in time")
	}
	if fired.Load() < 3 {
		t.Fatalf("expected at least 3 cycles, got %d", fired.Load())
	}
}

func TestSchedulerRunImmediately(t *testing.T) {
	s := New(Options{Name: "test", Interval: time.Hour, RunImmediately: true}, zerolog.Nop())

	fired := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = s.Run(ctx, func(context.Context, time.Time) error {
			fired <- struct{}{}
			return nil
		})
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("immediate cycle did not fire")
	}
}

func TestSchedulerSkipsOverlappingTick(t *testing.T) {
	s := New(Options{Name: "test", Interval: 10 * time.Millisecond}, zerolog.Nop())

	block := make(chan struct{})
	var started atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = s.Run(ctx, func(context.Context, time.Time) error {
			started.Add(1)
			<-block
			return nil
		})
	}()

	// Several intervals elapse while the first cycle is blocked; the
	// in-flight guard must keep the job single-flight.
	time.Sleep(100 * time.Millisecond)
	if got := started.Load(); got != 1 {
		t.Fatalf("expected exactly 1 in-flight cycle, got %d", got)
	}
	close(block)
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	s := New(Options{Name: "test", Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, func(context.Context, time.Time) error { return nil }) }()

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
