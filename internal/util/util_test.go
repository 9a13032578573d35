package util

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := Retry(context.Background(), func() error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryWithResult(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	v, err := RetryWithResult(context.Background(), func() (int, error) {
		if calls.Add(1) < 2 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDeadlineRetryGivesUp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Now()
	boom := errors.New("missing")
	err := Retry(ctx, func() error { return boom }, DeadlineRetryOptions(ctx, 200*time.Millisecond)...)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestPollUntil(t *testing.T) {
	t.Parallel()

	t.Run("succeeds", func(t *testing.T) {
		t.Parallel()
		var n atomic.Int32
		err := PollUntil(context.Background(), PollConfig{Timeout: time.Second, Interval: time.Millisecond}, func() bool {
			return n.Add(1) >= 3
		})
		assert.NoError(t, err)
	})

	t.Run("times out", func(t *testing.T) {
		t.Parallel()
		err := PollUntil(context.Background(), PollConfig{Timeout: 20 * time.Millisecond, Interval: 5 * time.Millisecond}, func() bool {
			return false
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIsProcessRunning(t *testing.T) {
	t.Parallel()

	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-1))
}
