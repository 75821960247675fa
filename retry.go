package pcf

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Backoff is an exponential backoff policy.
type Backoff struct {
	// Base is the delay after the first failed attempt, it doubles on each
	// following one.
	Base time.Duration
	// Max caps the delay.
	Max time.Duration
	// MaxAttempts bounds the attempts, 0 means until cancelled.
	MaxAttempts int
}

// Delay returns how long to wait after the given failed attempt, starting
// at 1.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// RetryTask runs a function until it succeeds, fails with a non-retryable
// error, exhausts its attempts or is stopped.
type RetryTask struct {
	clk       clock.Clock
	backoff   Backoff
	fn        func(context.Context) error
	retryable func(error) bool

	cancel   context.CancelFunc
	done     chan struct{}
	attempts atomic.Int32
	err      error
}

// StartRetry runs fn right away in its own goroutine. A nil retryable
// retries on any error.
func StartRetry(
	ctx context.Context,
	clk clock.Clock,
	backoff Backoff,
	retryable func(error) bool,
	fn func(context.Context) error,
) *RetryTask {
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	ctx, cancel := context.WithCancel(ctx)
	task := &RetryTask{
		clk:       clk,
		backoff:   backoff,
		fn:        fn,
		retryable: retryable,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go task.run(ctx)
	return task
}

func (task *RetryTask) run(ctx context.Context) {
	defer close(task.done)
	defer task.cancel()

	for {
		err := task.fn(ctx)
		attempt := int(task.attempts.Add(1))
		if err == nil || !task.retryable(err) {
			task.err = err
			return
		}
		if task.backoff.MaxAttempts > 0 && attempt >= task.backoff.MaxAttempts {
			task.err = err
			return
		}

		timer := task.clk.Timer(task.backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			task.err = ctx.Err()
			return
		case <-timer.C:
		}
	}
}

// Attempts returns how many times fn ran so far.
func (task *RetryTask) Attempts() int {
	return int(task.attempts.Load())
}

// Done is closed once the task ended.
func (task *RetryTask) Done() <-chan struct{} {
	return task.done
}

// Err returns the final error, it is only meaningful once Done is closed.
func (task *RetryTask) Err() error {
	select {
	case <-task.done:
		return task.err
	default:
		return nil
	}
}

// Stop cancels the task and waits for it to end.
func (task *RetryTask) Stop() {
	task.cancel()
	<-task.done
}
