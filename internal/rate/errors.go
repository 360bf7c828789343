package rate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is matched by *RateLimitedError.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable is matched by *UnavailableError.
	ErrUnavailable = errors.New("rate limiter unavailable")
)

// RateLimitedError rejects a request whose window budget is spent.
type RateLimitedError struct {
	Class      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s): retry after %s", e.Class, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// UnavailableError rejects a request because the counter store cannot be consulted.
// RetryAfter is zero unless the circuit breaker supplied a hint.
type UnavailableError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("rate limiter unavailable: %v", e.Err)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }
