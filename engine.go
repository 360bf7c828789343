package vpnauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xrate "golang.org/x/time/rate"

	"github.com/MrEthical07/vpnauth/internal/audit"
	"github.com/MrEthical07/vpnauth/internal/breaker"
	"github.com/MrEthical07/vpnauth/internal/limiters"
	"github.com/MrEthical07/vpnauth/internal/rate"
	"github.com/MrEthical07/vpnauth/jwt"
	"github.com/MrEthical07/vpnauth/password"
	"github.com/MrEthical07/vpnauth/revocation"
	"github.com/MrEthical07/vpnauth/vault"
)

// Engine is the auth orchestrator and the only component the HTTP layer talks to. It
// holds no mutable shared state of its own apart from the circuit breaker; counters and
// revocation records live in the fast store. Methods are safe for concurrent use.
type Engine struct {
	config       Config
	accounts     AccountStore
	logger       *slog.Logger
	now          func() time.Time
	metrics      *Metrics
	audit        *audit.Dispatcher
	breaker      *breaker.Breaker
	revocation   *revocation.Store
	lockout      *limiters.LockoutLimiter
	totpLimiter  *limiters.TOTPLimiter
	rateLimiter  *rate.Limiter
	passwordHash *password.Argon2
	vault        *vault.Vault
	jwtManager   *jwt.Manager
	totp         *totpManager

	failOpenLog xrate.Sometimes
	unboundLog  xrate.Sometimes
}

// Close flushes pending audit events.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// BreakerState reports the fast-store circuit breaker: closed, open or half-open.
func (e *Engine) BreakerState() string {
	if e == nil || e.breaker == nil {
		return ""
	}
	return string(e.breaker.State())
}

// EncryptsTOTPSecrets reports whether a master key is configured.
func (e *Engine) EncryptsTOTPSecrets() bool {
	return e != nil && e.vault != nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) metricObserve(id MetricID, d time.Duration) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(id, d)
}

// CheckRate counts one request of class for client. It returns *RateLimitedError once the
// window is spent and *UnavailableError when the store is down, unless the limiter is
// configured to fail open.
func (e *Engine) CheckRate(ctx context.Context, class, client string) error {
	if e == nil || e.rateLimiter == nil {
		return ErrEngineNotReady
	}
	err := e.rateLimiter.Allow(ctx, class, client)
	if err == nil {
		return nil
	}

	var limited *rate.RateLimitedError
	if errors.As(err, &limited) {
		e.emitRateLimit(ctx, class, client)
		return &RateLimitedError{Class: limited.Class, RetryAfter: limited.RetryAfter}
	}
	var down *rate.UnavailableError
	if errors.As(err, &down) {
		e.metricInc(MetricBackendUnavailable)
		e.logger.Error("rate limit store unavailable; rejecting request",
			slog.String("class", class), slog.Any("err", down.Err))
		return &UnavailableError{RetryAfter: down.RetryAfter, Err: down.Err}
	}
	return err
}

// unavailable converts a backing-store failure into *UnavailableError. The caller fails
// closed on it.
func (e *Engine) unavailable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	e.metricInc(MetricBackendUnavailable)
	e.logger.Error("backing store unavailable", slog.String("op", op), slog.Any("err", err))

	var (
		open  *breaker.OpenError
		retry time.Duration
	)
	if errors.As(err, &open) {
		retry = open.RetryAfter
	}
	return &UnavailableError{RetryAfter: retry, Err: err}
}

func tokenError(err error) error {
	if errors.Is(err, jwt.ErrExpired) {
		return ErrTokenExpired
	}
	return fmt.Errorf("%w: %w", ErrTokenMalformed, err)
}

// validateToken checks signature, claims and kind, then the revocation store.
func (e *Engine) validateToken(ctx context.Context, token string, kind jwt.Kind) (*jwt.Claims, error) {
	claims, err := e.jwtManager.Validate(token, kind)
	if err != nil {
		return nil, tokenError(err)
	}
	revoked, err := e.revocation.IsRevoked(ctx, claims.ID, claims.Subject, claims.Generation)
	if err != nil {
		return nil, e.unavailable(ctx, "revocation.is_revoked", err)
	}
	if revoked {
		e.metricInc(MetricTokenRevoked)
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// issue signs a token and registers its JTI before handing it out. The registration
// outlives exp by JWT.Leeway so a token the parser still accepts is never reported as
// unregistered.
func (e *Engine) issue(ctx context.Context, kind jwt.Kind, acct Account, generation int64, fingerprint string) (jwt.Issued, error) {
	issued, err := e.jwtManager.Issue(kind, acct.ID, acct.Role, generation, fingerprint)
	if err != nil {
		return jwt.Issued{}, fmt.Errorf("issue %s token: %w", kind, err)
	}
	if err := e.revocation.Register(ctx, issued.JTI, issued.ExpiresAt.Add(e.config.JWT.Leeway)); err != nil {
		return jwt.Issued{}, e.unavailable(ctx, "revocation.register", err)
	}
	return issued, nil
}

// issuePair issues an access token and a refresh token bound to fingerprint.
func (e *Engine) issuePair(ctx context.Context, acct Account, generation int64, fingerprint string) (*TokenPair, error) {
	access, err := e.issue(ctx, jwt.KindAccess, acct, generation, "")
	if err != nil {
		return nil, err
	}
	refresh, err := e.issue(ctx, jwt.KindRefresh, acct, generation, fingerprint)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// padLatency waits until MinLoginDuration has passed since start. The wait ends early
// if ctx is cancelled.
func (e *Engine) padLatency(ctx context.Context, start time.Time) {
	wait := e.config.Security.MinLoginDuration - time.Since(start)
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func normalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}
