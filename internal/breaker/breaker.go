package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/MrEthical07/vpnauth/kvstore"
)

// ErrOpen is matched by every rejection caused by an open (or probing) circuit.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned while the circuit rejects calls.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, retry after %s", e.Name, e.RetryAfter)
}

// Is matches ErrOpen and kvstore.ErrUnavailable: an open circuit is one more way the
// backend is unavailable.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen || target == kvstore.ErrUnavailable
}

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes a Breaker. Zero values take the defaults noted per field.
type Config struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit. Default 3.
	FailureThreshold uint32
	// RecoveryTimeout is how long the circuit stays open before admitting a trial. Default 30s.
	RecoveryTimeout time.Duration
	// IsFailure classifies errors. Default: any non-nil error except context cancellation.
	IsFailure func(error) bool
	// OnStateChange observes transitions. It runs while the breaker's internal lock is held
	// and must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// Breaker is a circuit breaker with one in-process retry per call. It is safe for
// concurrent use.
type Breaker struct {
	name      string
	cb        *gobreaker.CircuitBreaker
	recovery  time.Duration
	isFailure func(error) bool
	onChange  func(name string, from, to State)

	mu       sync.Mutex
	openedAt time.Time
}

// New builds a Breaker from cfg.
func New(cfg Config) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "kvstore"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}

	b := &Breaker{
		name:      cfg.Name,
		recovery:  cfg.RecoveryTimeout,
		isFailure: cfg.IsFailure,
		onChange:  cfg.OnStateChange,
	}

	threshold := cfg.FailureThreshold
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !b.isFailure(err)
		},
		OnStateChange: b.stateChanged,
	})

	return b
}

func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (b *Breaker) stateChanged(name string, from, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		b.mu.Lock()
		b.openedAt = time.Now()
		b.mu.Unlock()
	}
	if b.onChange != nil {
		b.onChange(name, mapState(from), mapState(to))
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Name returns the configured breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, advancing open to half-open when the timeout elapsed.
func (b *Breaker) State() State {
	return mapState(b.cb.State())
}

// Do runs fn under the breaker. A failing call is retried once before it is counted as a
// single failure. While the circuit is open Do returns *OpenError without calling fn.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		err := fn(ctx)
		if err != nil && b.isFailure(err) && ctx.Err() == nil {
			err = fn(ctx)
		}
		return nil, err
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &OpenError{Name: b.name, RetryAfter: b.retryAfter()}
	}
	return err
}

// retryAfter is the time left until the next trial is admitted. A trial already in flight
// reports a one second hint.
func (b *Breaker) retryAfter() time.Duration {
	b.mu.Lock()
	openedAt := b.openedAt
	b.mu.Unlock()

	if openedAt.IsZero() {
		return time.Second
	}
	left := b.recovery - time.Since(openedAt)
	if left < time.Second {
		return time.Second
	}
	return left
}
