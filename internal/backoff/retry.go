package backoff

import (
	"context"
	"errors"
)

// ErrAttemptsExhausted is returned when all retry attempts have been used.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry stops immediately instead of retrying.
// Use it for failures that more attempts cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Result holds the outcome of a retry operation.
type Result[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Retry executes fn with exponential backoff between failures, up to
// maxAttempts times. The function receives the current attempt number
// (1-indexed) and returns (value, nil) on success. Context cancellation is
// checked before each attempt and during backoff sleeps, so a deadline on
// ctx bounds the total wait.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	fn func(attempt int) (T, error),
) (Result[T], error) {
	var result Result[T]
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = lastErr
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			result.LastError = perm.err
			return result, perm.err
		}

		lastErr = err
		result.LastError = err

		// No sleep after the final attempt.
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, ErrAttemptsExhausted
}
