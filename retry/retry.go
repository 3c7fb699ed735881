// Package retry implements the backoff driver used by the remote store
// drivers. An attempt reports one of three dispositions: success, a
// transient failure worth retrying, or a fatal error that aborts
// immediately. Only transient failures consume entries from the delay
// schedule; exhausting the schedule surfaces the last transient error.
package retry

import (
	"context"
	"iter"
	"math/rand/v2"
	"time"

	"github.com/gurre/remexec/errs"
)

// Config shapes an exponential backoff schedule.
type Config struct {
	// MaxRetries is the number of retries, so an attempt runs up to
	// MaxRetries+1 times.
	MaxRetries int
	// Delay is the first sleep in seconds; each subsequent sleep doubles.
	Delay float64
	// Jitter scales each sleep by a random factor in [1-j/2, 1+j/2].
	Jitter float64
}

// Backoff returns the delay schedule described by the config.
func (c Config) Backoff() iter.Seq[time.Duration] {
	return func(yield func(time.Duration) bool) {
		delay := c.Delay
		for i := 0; i < c.MaxRetries; i++ {
			d := time.Duration(delay * float64(time.Second))
			if c.Jitter > 0 {
				factor := 1 - c.Jitter/2 + rand.Float64()*c.Jitter
				d = time.Duration(float64(d) * factor)
			}
			if !yield(d) {
				return
			}
			delay *= 2
		}
	}
}

// Immediate returns a schedule of n zero-length delays, useful in tests.
func Immediate(n int) iter.Seq[time.Duration] {
	return func(yield func(time.Duration) bool) {
		for i := 0; i < n; i++ {
			if !yield(0) {
				return
			}
		}
	}
}

// Result is the disposition of a single attempt.
type Result[T any] struct {
	value   T
	err     error
	outcome outcome
}

type outcome int

const (
	outcomeOk outcome = iota
	outcomeAgain
	outcomeFatal
)

// Ok reports a successful attempt carrying its value.
func Ok[T any](v T) Result[T] { return Result[T]{value: v, outcome: outcomeOk} }

// Again reports a transient failure; the next delay is slept and the
// attempt retried.
func Again[T any](err error) Result[T] { return Result[T]{err: err, outcome: outcomeAgain} }

// Fatal reports a failure that no retry can fix.
func Fatal[T any](err error) Result[T] { return Result[T]{err: err, outcome: outcomeFatal} }

// Do runs attempt under the given delay schedule.
func Do[T any](ctx context.Context, delays iter.Seq[time.Duration], attempt func(context.Context) Result[T]) (T, error) {
	var zero T
	next, stop := iter.Pull(delays)
	defer stop()
	for {
		res := attempt(ctx)
		switch res.outcome {
		case outcomeOk:
			return res.value, nil
		case outcomeFatal:
			return zero, res.err
		}
		delay, ok := next()
		if !ok {
			return zero, errs.Wrap(res.err, "retries exhausted")
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errs.New(errs.Internal, "retry sleep cancelled: %v", ctx.Err())
	}
}
