// Package retry runs an operation with exponential backoff. Per attempt and
// overall timeouts are expressed through context deadlines so callers can
// compose them with external cancellation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	baseDelay = 50 * time.Millisecond
	maxDelay  = time.Second
)

// Config controls how Do schedules attempts.
type Config struct {
	// MaxRetries is the number of additional attempts after the first one.
	MaxRetries int
	// Timeout bounds a single attempt; zero means unbounded.
	Timeout time.Duration
	// MaxTimeout bounds the whole operation including delays; zero means unbounded.
	MaxTimeout time.Duration
	// RetryDelay computes the sleep before retry number attempt+1; defaults to DefaultDelay.
	RetryDelay func(attempt int) time.Duration
	// ShouldRetry reports whether the error warrants another attempt; defaults
	// to retrying everything not marked with NonRetryable.
	ShouldRetry func(err error) bool
}

// DefaultConfig returns the retry settings used by the client connector.
func DefaultConfig() Config {
	return Config{MaxRetries: 2}
}

// DefaultDelay grows the delay as 50ms doubled per attempt, capped at one second.
func DefaultDelay(attempt int) time.Duration {
	if attempt >= 5 {
		return maxDelay
	}
	delay := baseDelay << uint(attempt)
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the error of the last attempt.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string {
	return e.err.Error()
}

func (e *nonRetryableError) Unwrap() error {
	return e.err
}

// NonRetryable marks err as terminal so the default ShouldRetry stops immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err carries the NonRetryable marker.
func IsNonRetryable(err error) bool {
	var target *nonRetryableError
	return errors.As(err, &target)
}

// Do invokes fn until it succeeds, the attempts are exhausted, an error is
// deemed terminal, or the operation is cancelled. fn receives a context
// carrying the per attempt deadline and the zero based attempt number.
func Do(ctx context.Context, config Config, fn func(ctx context.Context, attempt int) error) error {
	retryDelay := config.RetryDelay
	if retryDelay == nil {
		retryDelay = DefaultDelay
	}
	shouldRetry := config.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return !IsNonRetryable(err) }
	}
	if config.MaxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.MaxTimeout)
		defer cancel()
	}
	attempts := config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	started := time.Now()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return NonRetryable(err)
		}
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if config.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		}
		err := fn(attemptCtx, attempt)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return NonRetryable(ctx.Err())
		}
		if !shouldRetry(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return NonRetryable(ctx.Err())
		case <-time.After(retryDelay(attempt)):
		}
	}
	return &ExhaustedError{Attempts: attempts, TotalDuration: time.Since(started), LastError: lastErr}
}
