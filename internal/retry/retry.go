// Package retry provides retry utilities with exponential backoff for transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"
)

var (
	// ErrMaxAttemptsExceeded is returned when max retry attempts are exceeded
	ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")
	// ErrContextCancelled is returned when the context is cancelled during retry
	ErrContextCancelled = errors.New("context cancelled during retry")
)

// HTTPStatusError marks a response status that callers may want retried.
// Portal clients return it for 429 and 5xx responses so the retry loop can
// distinguish them from non-retryable 4xx client errors.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d from %s", e.StatusCode, e.URL)
}

// Retryable reports whether the status code indicates a transient condition.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Config configures retry behavior
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int
	// InitialDelay is the initial delay before the first retry
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries (caps exponential backoff)
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier (default: 2.0)
	Multiplier float64
	// Jitter adds up to this much random delay on top of each backoff step
	Jitter time.Duration
	// IsRetryable determines if an error should be retried
	IsRetryable func(error) bool
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       500 * time.Millisecond,
		IsRetryable:  DefaultIsRetryable,
	}
}

// DefaultIsRetryable determines if an error is retryable.
// Returns true for connection errors, timeouts, 429 and 5xx HTTP statuses.
// Other 4xx statuses indicate a request defect and are never retried.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do executes fn with retry logic and exponential backoff.
func Do(ctx context.Context, config Config, fn func() error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 4
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.IsRetryable == nil {
		config.IsRetryable = DefaultIsRetryable
	}

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !config.IsRetryable(err) {
			return err
		}

		if attempt < config.MaxAttempts {
			backoff := time.Duration(float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1)))
			if backoff > config.MaxDelay {
				backoff = config.MaxDelay
			}
			if config.Jitter > 0 {
				backoff += time.Duration(rand.Int63n(int64(config.Jitter)))
			}

			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, config.MaxAttempts, lastErr)
}

// DoWithDefaults executes fn with the default retry configuration.
func DoWithDefaults(ctx context.Context, fn func() error) error {
	return Do(ctx, DefaultConfig(), fn)
}
