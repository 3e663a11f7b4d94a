package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingSleep(delays *[]time.Duration) Sleep {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDoExhaustsRetriesOnRateLimit(t *testing.T) {
	var delays []time.Duration
	r := &Retrier{MaxRetries: 3, Sleep: recordingSleep(&delays)}

	rateLimit := &APIError{Class: ClassRateLimited, StatusCode: 429, Message: "quota exceeded"}
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return rateLimit
	})

	require.Error(t, err)
	assert.Same(t, rateLimit, err, "last error must be returned unchanged")
	assert.Equal(t, 4, calls, "maxRetries+1 invocations")
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, delays)
}

func TestDoFatalErrorReturnsImmediately(t *testing.T) {
	var delays []time.Duration
	r := &Retrier{MaxRetries: 3, Sleep: recordingSleep(&delays)}

	fatal := errors.New("invalid request")
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return fatal
	})

	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays, "fatal failures must not wait")
}

func TestDoRetriesServerErrorsUntilSuccess(t *testing.T) {
	var delays []time.Duration
	r := &Retrier{MaxRetries: 3, Sleep: recordingSleep(&delays)}

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &APIError{Class: ClassServerError, StatusCode: 503, Message: "overloaded"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
}

func TestDoStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Retrier{MaxRetries: 3, Sleep: func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}}

	calls := 0
	err := r.Do(ctx, func() error {
		calls++
		return &APIError{Class: ClassRateLimited, StatusCode: 429, Message: "quota"}
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, ClassRateLimited, ClassifyStatus(429))
	assert.Equal(t, ClassServerError, ClassifyStatus(500))
	assert.Equal(t, ClassServerError, ClassifyStatus(503))
	assert.Equal(t, ClassFatal, ClassifyStatus(400))
	assert.Equal(t, ClassFatal, ClassifyStatus(404))
}

func TestClassifyUnwrapsWrappedErrors(t *testing.T) {
	inner := &APIError{Class: ClassRateLimited, StatusCode: 429, Message: "quota"}
	wrapped := fmt.Errorf("analysis call: %w", inner)
	assert.Equal(t, ClassRateLimited, Classify(wrapped))
	assert.True(t, IsRateLimited(wrapped))
	assert.False(t, IsRateLimited(errors.New("boom")))
}
