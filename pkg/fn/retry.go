package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// RetryIf decides whether a failed attempt is retried. Nil retries every
	// error.
	RetryIf func(error) bool
	// OnRetry is called before each retry with the attempt that failed.
	OnRetry func(attempt int, err error)
}

// Retry runs f up to MaxAttempts times with exponential backoff between
// attempts. The last failing Result is returned unchanged.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	var result Result[T]
	wait := opts.InitialWait

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result = f(ctx)
		if result.IsOk() || attempt == opts.MaxAttempts {
			return result
		}
		_, err := result.Unwrap()
		if opts.RetryIf != nil && !opts.RetryIf(err) {
			return result
		}
		if ctx.Err() != nil {
			return Err[T](ctx.Err())
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}

		if wait > 0 {
			sleep := wait
			if opts.Jitter {
				sleep = time.Duration(float64(wait) * (0.5 + rand.Float64()))
			}
			if opts.MaxWait > 0 && sleep > opts.MaxWait {
				sleep = opts.MaxWait
			}
			select {
			case <-ctx.Done():
				return Err[T](ctx.Err())
			case <-time.After(sleep):
			}
			wait *= 2
		}
	}
	return result
}
