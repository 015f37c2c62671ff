package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(4), func() error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{StatusCode: 503, URL: "https://example.org"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(4), func() error {
		calls++
		return &HTTPStatusError{StatusCode: 404, URL: "https://example.org"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.StatusCode)
}

func TestDoWrapsLastErrorAfterExhaustion(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return &HTTPStatusError{StatusCode: 500, URL: "https://example.org"}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrMaxAttemptsExceeded)

	// The original error stays reachable through the wrap chain.
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 500, statusErr.StatusCode)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(3), func() error {
		return errors.New("should not run")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContextCancelled)
}

func TestHTTPStatusErrorRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{404, false},
	}

	for _, tt := range tests {
		e := &HTTPStatusError{StatusCode: tt.status}
		assert.Equal(t, tt.want, e.Retryable(), "status %d", tt.status)
	}
}
