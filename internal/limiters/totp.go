package limiters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/vpnauth/kvstore"
)

const (
	defaultTOTPMaxAttempts = 5
	defaultTOTPCooldown    = time.Minute
)

var (
	ErrTOTPRateLimited = errors.New("totp rate limited")
	ErrTOTPUnavailable = errors.New("totp unavailable")
)

// TOTPLimiterConfig holds configurable thresholds for the TOTP rate limiter.
type TOTPLimiterConfig struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// TOTPLimiter caps wrong codes on the 2FA confirm and disable paths, where the password
// lockout does not apply.
type TOTPLimiter struct {
	store       kvstore.Store
	maxAttempts int64
	cooldown    time.Duration
}

// NewTOTPLimiter creates a TOTP rate limiter. Zero-value fields in cfg
// fall back to defaults (5 attempts / 60s).
func NewTOTPLimiter(store kvstore.Store, cfg TOTPLimiterConfig) *TOTPLimiter {
	max := cfg.MaxAttempts
	if max <= 0 {
		max = defaultTOTPMaxAttempts
	}
	cd := cfg.Cooldown
	if cd <= 0 {
		cd = defaultTOTPCooldown
	}
	return &TOTPLimiter{store: store, maxAttempts: int64(max), cooldown: cd}
}

func (l *TOTPLimiter) key(accountID string) string {
	return "att:" + accountID
}

func (l *TOTPLimiter) Check(ctx context.Context, accountID string) error {
	raw, err := l.store.Get(ctx, l.key(accountID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrTOTPUnavailable, err)
	}
	count, _ := strconv.ParseInt(raw, 10, 64)
	if count >= l.maxAttempts {
		return ErrTOTPRateLimited
	}
	return nil
}

func (l *TOTPLimiter) RecordFailure(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockoutOpTimeout)
	defer cancel()

	count, _, err := l.store.Incr(ctx, l.key(accountID), l.cooldown)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTOTPUnavailable, err)
	}
	if count >= l.maxAttempts {
		return ErrTOTPRateLimited
	}
	return nil
}

func (l *TOTPLimiter) Reset(ctx context.Context, accountID string) error {
	if err := l.store.Del(ctx, l.key(accountID)); err != nil {
		return fmt.Errorf("%w: %w", ErrTOTPUnavailable, err)
	}
	return nil
}
