package antistuck

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WithRetry calls fn up to attempts times, doubling the delay after each
// failure starting at base. It returns the last error, or ctx's error if
// ctx ends while waiting.
func WithRetry(ctx context.Context, attempts int, base time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(base<<uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
	return backoff.Retry(func() error { return fn(ctx) }, b)
}
