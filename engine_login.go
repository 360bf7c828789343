package vpnauth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrEthical07/vpnauth/internal/limiters"
	"github.com/MrEthical07/vpnauth/jwt"
	"github.com/MrEthical07/vpnauth/password"
)

// Login authenticates req and returns a fresh token pair.
//
// Every credential or TOTP failure, including an unknown login, returns
// ErrInvalidCredentials and counts toward the lockout of req.Login. A blocked identifier
// gets *LockedError before any credential is evaluated, and parallel attempts cannot
// outrun the ladder: each is counted before its password is checked. The response is padded to
// Security.MinLoginDuration.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	if e == nil || e.passwordHash == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	pair, err := e.login(ctx, req)
	e.padLatency(ctx, start)
	e.metricObserve(MetricLoginLatency, time.Since(start))
	return pair, err
}

func (e *Engine) login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	id := normalizeLogin(req.Login)
	if id == "" {
		e.passwordHash.DummyVerify(req.Password)
		e.metricInc(MetricLoginFailure)
		return nil, ErrInvalidCredentials
	}

	attempt, err := e.claimAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.lockout.Release(ctx, attempt)

	acct, err := e.accounts.GetAccountByLogin(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.passwordHash.DummyVerify(req.Password)
			return nil, e.failLogin(ctx, attempt, "", "unknown_account")
		}
		return nil, err
	}

	ok, err := e.passwordHash.Verify(req.Password, acct.PasswordHash)
	if errors.Is(err, password.ErrMalformedHash) {
		e.logger.Error("stored password hash unreadable", slog.String("account_id", acct.ID), slog.Any("err", err))
		return nil, e.failLogin(ctx, attempt, acct.ID, "malformed_hash")
	}
	if !ok {
		return nil, e.failLogin(ctx, attempt, acct.ID, "bad_password")
	}

	if acct.TOTPEnabled {
		valid, err := e.verifyLoginTOTP(ctx, acct, req.TOTPCode)
		if err != nil {
			return nil, err
		}
		if !valid {
			return nil, e.failLogin(ctx, attempt, acct.ID, "bad_totp")
		}
	}

	if !acct.Active {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, acct.ID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "inactive"}
		})
		return nil, ErrInvalidCredentials
	}
	if e.config.Security.RequireVerifiedEmail && !acct.EmailVerified {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, acct.ID, "", ErrAccountUnverified, nil)
		return nil, ErrAccountUnverified
	}

	e.maybeRehash(ctx, acct, req.Password)

	generation, err := e.revocation.Generation(ctx, acct.ID)
	if err != nil {
		return nil, e.unavailable(ctx, "revocation.generation", err)
	}
	pair, err := e.issuePair(ctx, acct, generation, fingerprintFromContext(ctx))
	if err != nil {
		return nil, err
	}

	if err := e.lockout.Succeed(ctx, attempt); err != nil {
		e.logger.Warn("lockout reset failed", slog.String("account_id", acct.ID), slog.Any("err", err))
	}
	if err := e.accounts.TouchLastLogin(ctx, acct.ID, e.now()); err != nil {
		e.logger.Warn("last login update failed", slog.String("account_id", acct.ID), slog.Any("err", err))
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, acct.ID, "", nil, nil)
	return pair, nil
}

// claimAttempt admits one credential check against id or returns *LockedError. The
// attempt is charged before credentials are evaluated; callers settle it with failLogin,
// lockout.Succeed or the deferred lockout.Release. A lockout store failure fails closed.
func (e *Engine) claimAttempt(ctx context.Context, id string) (*limiters.Attempt, error) {
	attempt, status, err := e.lockout.Begin(ctx, id)
	if err != nil {
		return nil, e.unavailable(ctx, "lockout.begin", err)
	}
	if attempt != nil {
		return attempt, nil
	}
	e.metricInc(MetricLoginLocked)
	lockErr := &LockedError{
		RetryAfter: status.RetryAfter,
		Permanent:  status.State == limiters.StatePermanent,
	}
	e.emitAudit(ctx, auditEventLoginLocked, false, "", "", lockErr, func() map[string]string {
		return map[string]string{
			"state":    string(status.State),
			"failures": itoa(status.Failures),
		}
	})
	return nil, lockErr
}

// failLogin settles attempt as a failure and returns the opaque error. The lockout write
// runs detached from ctx so an aborted request is still counted.
func (e *Engine) failLogin(ctx context.Context, attempt *limiters.Attempt, accountID, reason string) error {
	e.metricInc(MetricLoginFailure)
	status, err := e.lockout.Fail(ctx, attempt)
	if err != nil {
		e.logger.Error("lockout record failed", slog.String("reason", reason), slog.Any("err", err))
	} else if status.State == limiters.StatePermanent && status.Failures == e.permanentThreshold() {
		e.metricInc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventAccountLocked, false, accountID, "", ErrAccountLocked, func() map[string]string {
			return map[string]string{"failures": itoa(status.Failures)}
		})
	}
	e.emitAudit(ctx, auditEventLoginFailure, false, accountID, "", ErrInvalidCredentials, func() map[string]string {
		return map[string]string{
			"reason":   reason,
			"state":    string(status.State),
			"failures": itoa(status.Failures),
		}
	})
	return ErrInvalidCredentials
}

func (e *Engine) permanentThreshold() int64 {
	for _, t := range e.config.Lockout.Tiers {
		if t.Permanent {
			return t.Failures
		}
	}
	return -1
}

// maybeRehash upgrades a verified password stored with weaker parameters. Failures are
// logged; the login still succeeds.
func (e *Engine) maybeRehash(ctx context.Context, acct Account, pw string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	stale, err := e.passwordHash.NeedsRehash(acct.PasswordHash)
	if err != nil || !stale {
		return
	}
	hash, err := e.passwordHash.Hash(pw)
	if err != nil {
		e.logger.Warn("password rehash failed", slog.String("account_id", acct.ID), slog.Any("err", err))
		return
	}
	if err := e.accounts.UpdatePasswordHash(ctx, acct.ID, hash); err != nil {
		e.logger.Warn("password rehash not stored", slog.String("account_id", acct.ID), slog.Any("err", err))
		return
	}
	e.metricInc(MetricPasswordRehash)
}

// Reauthenticate re-checks the password of the access token's owner and returns a
// short-lived single-use reauth token for sensitive operations such as SetupTOTP.
// Wrong passwords count toward the account's lockout.
func (e *Engine) Reauthenticate(ctx context.Context, accessToken, pw string) (*jwt.Issued, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	claims, err := e.validateToken(ctx, accessToken, jwt.KindAccess)
	if err != nil {
		return nil, err
	}
	acct, err := e.accounts.GetAccountByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !acct.Active {
		return nil, ErrUnauthorized
	}

	attempt, err := e.claimAttempt(ctx, normalizeLogin(acct.Login))
	if err != nil {
		return nil, err
	}
	defer e.lockout.Release(ctx, attempt)

	ok, err := e.passwordHash.Verify(pw, acct.PasswordHash)
	if err != nil || !ok {
		return nil, e.failLogin(ctx, attempt, acct.ID, "reauth_bad_password")
	}
	if err := e.lockout.Succeed(ctx, attempt); err != nil {
		e.logger.Warn("lockout reset failed", slog.String("account_id", acct.ID), slog.Any("err", err))
	}

	issued, err := e.issue(ctx, jwt.KindReauth, acct, claims.Generation, "")
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricReauth)
	e.emitAudit(ctx, auditEventReauth, true, acct.ID, issued.JTI, nil, nil)
	return &issued, nil
}

// UnlockAccount is the operator path out of any lockout state, including permanent.
func (e *Engine) UnlockAccount(ctx context.Context, login string) error {
	if e == nil || e.lockout == nil {
		return ErrEngineNotReady
	}
	id := normalizeLogin(login)
	if id == "" {
		return ErrInvalidCredentials
	}
	if err := e.lockout.Unlock(ctx, id); err != nil {
		return e.unavailable(ctx, "lockout.unlock", err)
	}
	e.metricInc(MetricAccountUnlocked)
	e.emitAudit(ctx, auditEventAccountUnlocked, true, "", "", nil, func() map[string]string {
		return map[string]string{"login": id}
	})
	return nil
}

// LockoutStatus reports the lockout state of login for operators.
func (e *Engine) LockoutStatus(ctx context.Context, login string) (LockoutStatus, error) {
	if e == nil || e.lockout == nil {
		return LockoutStatus{}, ErrEngineNotReady
	}
	status, err := e.lockout.Check(ctx, normalizeLogin(login))
	if err != nil {
		return LockoutStatus{}, e.unavailable(ctx, "lockout.check", err)
	}
	return LockoutStatus{
		State:      string(status.State),
		Failures:   status.Failures,
		RetryAfter: status.RetryAfter,
	}, nil
}
