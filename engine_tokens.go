package vpnauth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrEthical07/vpnauth/jwt"
	"github.com/MrEthical07/vpnauth/revocation"
)

// Refresh rotates a refresh token. The presented token is consumed atomically, so of
// several concurrent calls with the same token exactly one succeeds. Presenting an
// already consumed token is treated as theft: every token of the subject is revoked and
// ErrTokenRevoked is returned.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.jwtManager == nil || e.revocation == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.jwtManager.Validate(refreshToken, jwt.KindRefresh)
	if err != nil {
		return nil, e.refreshFailed(ctx, "", "", tokenError(err))
	}
	subject, jti := claims.Subject, claims.ID

	fingerprint := fingerprintFromContext(ctx)
	switch jwt.CheckFingerprint(claims, fingerprint) {
	case jwt.FingerprintMismatch:
		e.metricInc(MetricFingerprintMismatch)
		e.emitAudit(ctx, auditEventFingerprintMismatch, false, subject, jti, ErrFingerprintMismatch, nil)
		return nil, e.refreshFailed(ctx, subject, jti, ErrFingerprintMismatch)
	case jwt.FingerprintUnbound:
		if err := e.allowUnbound(ctx, subject, jti); err != nil {
			return nil, e.refreshFailed(ctx, subject, jti, err)
		}
	}

	current, err := e.revocation.Generation(ctx, subject)
	if err != nil {
		return nil, e.unavailable(ctx, "revocation.generation", err)
	}
	if claims.Generation < current {
		e.metricInc(MetricTokenRevoked)
		return nil, e.refreshFailed(ctx, subject, jti, ErrTokenRevoked)
	}

	result, err := e.revocation.Consume(ctx, jti)
	if err != nil {
		return nil, e.unavailable(ctx, "revocation.consume", err)
	}
	switch result {
	case revocation.AlreadyRevoked:
		return nil, e.refreshReused(ctx, subject, jti)
	case revocation.Unknown:
		if e.config.Revocation.RequireRegistration {
			e.metricInc(MetricTokenRevoked)
			return nil, e.refreshFailed(ctx, subject, jti, ErrTokenRevoked)
		}
		// Tombstone it so the same token cannot be rotated twice.
		if err := e.revocation.Revoke(ctx, jti, expiresAt(claims)); err != nil {
			return nil, e.unavailable(ctx, "revocation.revoke", err)
		}
	}

	acct, err := e.accounts.GetAccountByID(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, e.refreshFailed(ctx, subject, jti, ErrUnauthorized)
		}
		return nil, err
	}
	if !acct.Active {
		return nil, e.refreshFailed(ctx, subject, jti, ErrUnauthorized)
	}

	pair, err := e.issuePair(ctx, acct, claims.Generation, fingerprint)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, subject, jti, nil, nil)
	return pair, nil
}

// allowUnbound decides whether a refresh token without a fingerprint may still be used.
// Such tokens predate binding and are accepted only before Security.UnboundRefreshCutoff.
func (e *Engine) allowUnbound(ctx context.Context, subject, jti string) error {
	cutoff := e.config.Security.UnboundRefreshCutoff
	if !e.now().Before(cutoff) {
		e.metricInc(MetricFingerprintMismatch)
		e.emitAudit(ctx, auditEventFingerprintMismatch, false, subject, jti, ErrFingerprintMismatch, func() map[string]string {
			return map[string]string{"reason": "unbound"}
		})
		return ErrFingerprintMismatch
	}

	e.metricInc(MetricRefreshUnbound)
	e.emitAudit(ctx, auditEventRefreshUnbound, true, subject, jti, nil, func() map[string]string {
		return map[string]string{"cutoff": cutoff.UTC().Format(time.RFC3339)}
	})
	e.unboundLog.Do(func() {
		e.logger.Warn("accepted refresh token without client fingerprint",
			slog.String("account_id", subject), slog.Time("cutoff", cutoff))
	})
	return nil
}

func (e *Engine) refreshReused(ctx context.Context, subject, jti string) error {
	e.metricInc(MetricRefreshReuseDetected)
	e.logger.Warn("refresh token reuse detected; revoking all sessions", slog.String("account_id", subject))
	gen, err := e.revocation.RevokeAll(ctx, subject)
	if err != nil {
		e.logger.Error("revoke all after refresh reuse failed", slog.String("account_id", subject), slog.Any("err", err))
	}
	e.emitAudit(ctx, auditEventRefreshReuseDetected, false, subject, jti, ErrTokenRevoked, func() map[string]string {
		return map[string]string{"generation": itoa(gen)}
	})
	return e.refreshFailed(ctx, subject, jti, ErrTokenRevoked)
}

func (e *Engine) refreshFailed(ctx context.Context, subject, jti string, err error) error {
	e.metricInc(MetricRefreshFailure)
	e.emitAudit(ctx, auditEventRefreshFailure, false, subject, jti, err, nil)
	return err
}

// ValidateAccess authenticates a bearer token: signature, expiry, kind and revocation.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*AuthResult, error) {
	if e == nil || e.jwtManager == nil || e.revocation == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() { e.metricObserve(MetricValidateLatency, time.Since(start)) }()

	claims, err := e.validateToken(ctx, accessToken, jwt.KindAccess)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		AccountID:  claims.Subject,
		Role:       claims.Role,
		JTI:        claims.ID,
		Generation: claims.Generation,
		ExpiresAt:  expiresAt(claims),
	}, nil
}

// Logout revokes the access token and, when given and owned by the same account, the
// refresh token. An unusable refresh token is ignored.
func (e *Engine) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if e == nil || e.jwtManager == nil || e.revocation == nil {
		return ErrEngineNotReady
	}
	claims, err := e.validateToken(ctx, accessToken, jwt.KindAccess)
	if err != nil {
		return err
	}
	if err := e.revocation.Revoke(ctx, claims.ID, expiresAt(claims)); err != nil {
		return e.unavailable(ctx, "revocation.revoke", err)
	}

	refreshRevoked := false
	if refreshToken != "" {
		rc, err := e.jwtManager.Validate(refreshToken, jwt.KindRefresh)
		if err == nil && rc.Subject == claims.Subject {
			if err := e.revocation.Revoke(ctx, rc.ID, expiresAt(rc)); err != nil {
				return e.unavailable(ctx, "revocation.revoke", err)
			}
			refreshRevoked = true
		}
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, claims.Subject, claims.ID, nil, func() map[string]string {
		if refreshRevoked {
			return map[string]string{"refresh": "revoked"}
		}
		return nil
	})
	return nil
}

// LogoutAll revokes every token issued to the access token's owner, on every device.
func (e *Engine) LogoutAll(ctx context.Context, accessToken string) error {
	if e == nil || e.jwtManager == nil || e.revocation == nil {
		return ErrEngineNotReady
	}
	claims, err := e.validateToken(ctx, accessToken, jwt.KindAccess)
	if err != nil {
		return err
	}
	gen, err := e.revocation.RevokeAll(ctx, claims.Subject)
	if err != nil {
		return e.unavailable(ctx, "revocation.revoke_all", err)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, claims.Subject, claims.ID, nil, func() map[string]string {
		return map[string]string{"generation": itoa(gen)}
	})
	return nil
}

func expiresAt(c *jwt.Claims) time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}
