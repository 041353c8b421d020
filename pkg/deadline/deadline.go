package deadline

import (
	"context"
	"errors"
	"time"

	"github.com/raulk/clock"
)

var ErrTimeout = errors.New("request timeout")

type result[T any] struct {
	v   T
	err error
}

// Do runs fn and waits at most d for it to settle. Whichever of fn and the
// timer finishes first decides the outcome; the other one is discarded. fn's
// context is cancelled once Do returns, but fn is not waited for.
// A non-positive d waits for fn indefinitely.
func Do[T any](ctx context.Context, clk clock.Clock, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// buffered so the losing call can still deliver and exit
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- result[T]{v: v, err: err}
	}()

	timer := clk.Timer(d)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
