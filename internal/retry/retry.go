// File: internal/retry/retry.go
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const jitterCeiling = time.Second

// Options tunes one retried operation.
type Options struct {
	// MaxRetries is the number of re-attempts after the first failure, so
	// an operation runs at most MaxRetries+1 times.
	MaxRetries   int
	InitialDelay time.Duration
	// MaxDelay bounds the backoff; the delay sequence never exceeds it.
	MaxDelay time.Duration

	// FailWith, when set, replaces the last underlying error once all
	// attempts are exhausted.
	FailWith error

	// sleep and jitter are injection points for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// WithSleep overrides the context-aware sleep. Test use.
func (o Options) WithSleep(fn func(ctx context.Context, d time.Duration) error) Options {
	o.sleep = fn
	return o
}

// WithJitter overrides the random jitter source. Test use.
func (o Options) WithJitter(fn func() time.Duration) Options {
	o.jitter = fn
	return o
}

// Do executes op, retrying transient failures with exponential backoff and
// jitter. After each failed attempt it sleeps for the current delay, then
// grows it by delay = min(delay*1.5 + uniform(0, 1s), MaxDelay). The delay
// sequence is therefore non-decreasing and bounded above by MaxDelay.
//
// The remote site this guards is slow and rate limited; a single-attempt
// navigation produces spurious failures that a short backoff resolves.
func Do(ctx context.Context, logger *zap.Logger, op func(ctx context.Context) error, opts Options) error {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = opts.InitialDelay
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	jitter := opts.jitter
	if jitter == nil {
		jitter = func() time.Duration { return time.Duration(rand.Int63n(int64(jitterCeiling))) }
	}

	delay := opts.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == opts.MaxRetries {
			break
		}

		logger.Warn("Operation failed, backing off before retry.",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", opts.MaxRetries+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay = NextDelay(delay, opts.MaxDelay, jitter())
	}

	if opts.FailWith != nil {
		return fmt.Errorf("%w: %v", opts.FailWith, lastErr)
	}
	return lastErr
}

// NextDelay computes the successor of the current backoff delay.
func NextDelay(current, max, jitter time.Duration) time.Duration {
	next := time.Duration(float64(current)*1.5) + jitter
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
