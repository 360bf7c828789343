package vpnauth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers wrong password, wrong TOTP code and unknown account.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is matched by *LockedError.
	ErrAccountLocked = errors.New("account locked")
	ErrTokenExpired  = errors.New("token expired")
	// ErrTokenRevoked means the JTI was revoked, consumed, or belongs to a stale generation.
	ErrTokenRevoked   = errors.New("token revoked")
	ErrTokenMalformed = errors.New("token malformed")
	// ErrFingerprintMismatch is returned when a refresh token is presented by a different client.
	ErrFingerprintMismatch = errors.New("client fingerprint mismatch")
	// ErrRateLimited is matched by *RateLimitedError.
	ErrRateLimited = errors.New("rate limited")
	// ErrServiceUnavailable is matched by *UnavailableError.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrConfiguration is matched by *ConfigurationError. It is raised at startup only.
	ErrConfiguration = errors.New("configuration error")

	ErrUnauthorized       = errors.New("unauthorized")
	ErrAccountUnverified  = errors.New("account email not verified")
	ErrReauthRequired     = errors.New("password re-authentication required")
	ErrTOTPAlreadyEnabled = errors.New("totp already enabled")
	ErrTOTPNotConfigured  = errors.New("totp not configured")
	ErrTOTPInvalid        = errors.New("invalid totp code")
	ErrTOTPRateLimited    = errors.New("totp attempts rate limited")
	ErrEngineNotReady     = errors.New("engine not initialized")

	// ErrAccountNotFound is returned by AccountStore implementations. The engine never
	// surfaces it to callers.
	ErrAccountNotFound = errors.New("account not found")
)

// LockedError is returned when the lockout tracker rejects a login before credentials
// are evaluated.
type LockedError struct {
	RetryAfter time.Duration
	// Permanent locks have no retry time and need UnlockAccount.
	Permanent bool
}

func (e *LockedError) Error() string {
	if e.Permanent {
		return "account locked"
	}
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }

// RateLimitedError is returned by CheckRate once a client exhausts its window.
type RateLimitedError struct {
	Class      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Class, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// UnavailableError reports that a backing store could not be reached or the circuit
// breaker is open. RetryAfter is zero when no estimate exists.
type UnavailableError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return ErrServiceUnavailable.Error()
	}
	return ErrServiceUnavailable.Error() + ": " + e.Err.Error()
}

func (e *UnavailableError) Is(target error) bool { return target == ErrServiceUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

// ConfigurationError names the offending Config field.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Field + ": " + e.Reason
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configError(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

// RetryAfter extracts the retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var (
		locked  *LockedError
		limited *RateLimitedError
		down    *UnavailableError
	)
	switch {
	case errors.As(err, &locked):
		if locked.Permanent {
			return 0, false
		}
		return locked.RetryAfter, locked.RetryAfter > 0
	case errors.As(err, &limited):
		return limited.RetryAfter, limited.RetryAfter > 0
	case errors.As(err, &down):
		return down.RetryAfter, down.RetryAfter > 0
	}
	return 0, false
}
