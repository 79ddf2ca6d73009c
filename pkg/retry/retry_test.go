package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSleep(record *[]time.Duration) Sleep {
	return func(ctx context.Context, d time.Duration) error {
		*record = append(*record, d)
		return nil
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := Do(context.Background(), 3, 100*time.Millisecond, fakeSleep(&slept), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, slept)
}

func TestDoLinearBackoff(t *testing.T) {
	var slept []time.Duration
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), 3, 100*time.Millisecond, fakeSleep(&slept), func(ctx context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	// Delay grows with the attempt number: 1x, 2x.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, slept)
}

func TestDoRecoversMidway(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, fakeSleep(&slept), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, slept, 1)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, 3, time.Millisecond, nil, func(ctx context.Context) error {
		calls++
		return errors.New("never retried")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}
