package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class tags a remote failure at the point it is observed, so retry
// decisions never depend on message substrings.
type Class int

const (
	// ClassFatal failures are rethrown immediately.
	ClassFatal Class = iota
	// ClassRateLimited covers 429 / resource-exhausted responses.
	ClassRateLimited
	// ClassServerError covers transient 5xx responses.
	ClassServerError
)

// APIError carries the remote failure classification alongside the
// HTTP status and upstream message.
type APIError struct {
	Class      Class
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote API error: %s", e.Message)
}

// ClassifyStatus maps an HTTP status code to a failure class.
func ClassifyStatus(code int) Class {
	switch {
	case code == 429:
		return ClassRateLimited
	case code >= 500:
		return ClassServerError
	default:
		return ClassFatal
	}
}

// Classify inspects an error chain for an APIError tag. Anything
// untagged is fatal.
func Classify(err error) Class {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ClassFatal
}

// IsRateLimited reports whether err is a quota-class failure, so the
// surfaced guidance can tell the user to wait and retry.
func IsRateLimited(err error) bool {
	return Classify(err) == ClassRateLimited
}

// Sleep waits for d or until ctx is cancelled. Swappable in tests.
type Sleep func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrier applies exponential backoff to rate-limited and server-class
// failures. Stateless across calls: each Do owns its own attempt counter,
// so one Retrier is safe to share between unrelated operations.
type Retrier struct {
	MaxRetries int
	Sleep      Sleep
}

// NewRetrier returns a Retrier with the given retry ceiling.
func NewRetrier(maxRetries int) *Retrier {
	return &Retrier{MaxRetries: maxRetries, Sleep: realSleep}
}

// Do invokes fn up to MaxRetries+1 times. Retryable failures wait
// 2^(attempt+1) seconds between attempts (2s, 4s, 8s...); fatal failures
// and exhausted retries return the last error unchanged.
func (r *Retrier) Do(ctx context.Context, fn func() error) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = realSleep
	}

	var lastErr error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		class := Classify(lastErr)
		if class == ClassFatal {
			return lastErr
		}
		if attempt == r.MaxRetries {
			break
		}

		delay := time.Duration(1<<uint(attempt+1)) * time.Second
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}
