package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MrEthical07/vpnauth"
)

const (
	msgInvalidCredentials = "invalid credentials"
	msgUnauthorized       = "unauthorized"
)

type errorBody struct {
	Error string `json:"error"`
}

// StatusFor maps an engine error to an HTTP status and a client-safe message.
func StatusFor(err error) (int, string) {
	var locked *vpnauth.LockedError
	switch {
	case errors.As(err, &locked):
		if locked.Permanent {
			return http.StatusLocked, "account locked"
		}
		return http.StatusTooManyRequests, "too many attempts"
	case errors.Is(err, vpnauth.ErrRateLimited), errors.Is(err, vpnauth.ErrTOTPRateLimited):
		return http.StatusTooManyRequests, "too many requests"
	case errors.Is(err, vpnauth.ErrServiceUnavailable),
		errors.Is(err, vpnauth.ErrEngineNotReady),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "service unavailable"
	case errors.Is(err, vpnauth.ErrInvalidCredentials):
		return http.StatusUnauthorized, msgInvalidCredentials
	case errors.Is(err, vpnauth.ErrAccountUnverified):
		return http.StatusForbidden, "email not verified"
	case errors.Is(err, vpnauth.ErrReauthRequired):
		return http.StatusUnauthorized, "reauthentication required"
	case errors.Is(err, vpnauth.ErrTOTPInvalid):
		return http.StatusUnauthorized, "invalid code"
	case errors.Is(err, vpnauth.ErrTOTPAlreadyEnabled):
		return http.StatusConflict, "two-factor already enabled"
	case errors.Is(err, vpnauth.ErrTOTPNotConfigured):
		return http.StatusConflict, "two-factor not enabled"
	case errors.Is(err, vpnauth.ErrTokenExpired),
		errors.Is(err, vpnauth.ErrTokenRevoked),
		errors.Is(err, vpnauth.ErrTokenMalformed),
		errors.Is(err, vpnauth.ErrFingerprintMismatch),
		errors.Is(err, vpnauth.ErrUnauthorized):
		return http.StatusUnauthorized, msgUnauthorized
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// WriteError renders err as a JSON error body, adding Retry-After when the error
// carries a hint.
func WriteError(w http.ResponseWriter, err error) {
	status, msg := StatusFor(err)
	if retry, ok := vpnauth.RetryAfter(err); ok {
		w.Header().Set("Retry-After", retryAfterSeconds(retry))
	}
	WriteJSON(w, status, errorBody{Error: msg})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
