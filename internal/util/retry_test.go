package util

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errHeld = errors.New("held")

func isHeld(err error) bool { return errors.Is(err, errHeld) }

func TestRetryWithResult_EventuallySucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	v, err := RetryWithResult(func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errHeld
		}
		return 7, nil
	}, LockRetryOptions(context.Background(), isHeld)...)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)
}

func TestRetryWithResult_StopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	fatal := errors.New("fatal")
	calls := 0
	_, err := RetryWithResult(func() (int, error) {
		calls++
		return 0, fatal
	}, LockRetryOptions(context.Background(), isHeld)...)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetryWithResult_BoundedAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := RetryWithResult(func() (string, error) {
		calls++
		return "", errHeld
	}, LockRetryOptions(context.Background(), isHeld)...)
	assert.ErrorIs(t, err, errHeld)
	assert.Equal(t, 3, calls)
}

func TestRetryWithResult_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := RetryWithResult(func() (int, error) {
		calls++
		return 0, errHeld
	}, LockRetryOptions(ctx, isHeld)...)
	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
