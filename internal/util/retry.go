// Package util provides shared utility functions for treefs.
package util

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// LockRetryOptions returns retry options for acquiring a file lock held by
// another process. Attempts are bounded; retryable decides which errors
// mean "held elsewhere" rather than a real failure.
func LockRetryOptions(ctx context.Context, retryable func(error) bool) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(400 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// RetryWithResult executes fn with opts and returns the result of the
// last attempt.
func RetryWithResult[T any](fn func() (T, error), opts ...retry.Option) (T, error) {
	return retry.DoWithData(fn, opts...)
}
