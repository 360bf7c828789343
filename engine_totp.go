package vpnauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrEthical07/vpnauth/internal/limiters"
	"github.com/MrEthical07/vpnauth/jwt"
	"github.com/MrEthical07/vpnauth/revocation"
)

var errMasterKeyMissing = errors.New("stored totp secret is encrypted but no master key is configured")

// SetupTOTP starts 2FA enrollment. It consumes reauthToken, which must come from
// Reauthenticate for the same account, and stores a pending secret. The secret is
// encrypted when a master key is configured. The returned secret and otpauth:// URI are
// shown to the user once; 2FA is not enforced until ConfirmTOTP.
func (e *Engine) SetupTOTP(ctx context.Context, accessToken, reauthToken string) (*TOTPSetup, error) {
	if e == nil || e.totp == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	claims, err := e.validateToken(ctx, accessToken, jwt.KindAccess)
	if err != nil {
		return nil, err
	}
	if err := e.consumeReauth(ctx, reauthToken, claims); err != nil {
		return nil, err
	}

	acct, err := e.accounts.GetAccountByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if acct.TOTPEnabled {
		return nil, ErrTOTPAlreadyEnabled
	}

	label := acct.Email
	if label == "" {
		label = acct.Login
	}
	key, err := e.totp.Generate(label)
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	rec := TOTPRecord{
		AccountID: acct.ID,
		Secret:    key.Secret(),
		State:     TOTPPending,
		CreatedAt: e.now(),
	}
	if e.vault != nil {
		ct, err := e.vault.Encrypt([]byte(key.Secret()), acct.ID)
		if err != nil {
			return nil, fmt.Errorf("encrypt totp secret: %w", err)
		}
		rec.Secret = ct
		rec.Encrypted = true
	}
	if err := e.accounts.SaveTOTP(ctx, rec); err != nil {
		return nil, err
	}

	e.emitAudit(ctx, auditEventTOTPSetupRequested, true, acct.ID, "", nil, func() map[string]string {
		if rec.Encrypted {
			return map[string]string{"encrypted": "true"}
		}
		return map[string]string{"encrypted": "false"}
	})
	return &TOTPSetup{Secret: key.Secret(), URI: key.URL()}, nil
}

// consumeReauth burns a reauth token. It must belong to the access token's subject and
// generation, and may be used once.
func (e *Engine) consumeReauth(ctx context.Context, reauthToken string, access *jwt.Claims) error {
	if reauthToken == "" {
		return ErrReauthRequired
	}
	rc, err := e.jwtManager.Validate(reauthToken, jwt.KindReauth)
	if err != nil {
		return ErrReauthRequired
	}
	if rc.Subject != access.Subject || rc.Generation < access.Generation {
		return ErrReauthRequired
	}
	result, err := e.revocation.Consume(ctx, rc.ID)
	if err != nil {
		return e.unavailable(ctx, "revocation.consume", err)
	}
	if result != revocation.Consumed {
		return ErrReauthRequired
	}
	return nil
}

// ConfirmTOTP promotes the pending secret once the user proves possession with a code.
func (e *Engine) ConfirmTOTP(ctx context.Context, accessToken, code string) error {
	if e == nil || e.totp == nil || e.jwtManager == nil {
		return ErrEngineNotReady
	}
	claims, err := e.validateToken(ctx, accessToken, jwt.KindAccess)
	if err != nil {
		return err
	}
	accountID := claims.Subject

	rec, err := e.totpRecord(ctx, accountID)
	if err != nil {
		return err
	}
	if rec.State == TOTPConfirmed {
		return ErrTOTPAlreadyEnabled
	}
	if err := e.checkTOTPAttempts(ctx, accountID, code, rec); err != nil {
		return err
	}

	if err := e.accounts.ConfirmTOTP(ctx, accountID, e.now()); err != nil {
		return err
	}
	e.resetTOTPAttempts(ctx, accountID)
	e.metricInc(MetricTOTPEnabled)
	e.emitAudit(ctx, auditEventTOTPEnabled, true, accountID, "", nil, nil)
	return nil
}

// DisableTOTP removes a confirmed second factor. A current code is required.
func (e *Engine) DisableTOTP(ctx context.Context, accessToken, code string) error {
	if e == nil || e.totp == nil || e.jwtManager == nil {
		return ErrEngineNotReady
	}
	claims, err := e.validateToken(ctx, accessToken, jwt.KindAccess)
	if err != nil {
		return err
	}
	accountID := claims.Subject

	rec, err := e.totpRecord(ctx, accountID)
	if err != nil {
		return err
	}
	if rec.State != TOTPConfirmed {
		return ErrTOTPNotConfigured
	}
	if err := e.checkTOTPAttempts(ctx, accountID, code, rec); err != nil {
		return err
	}

	if err := e.accounts.DeleteTOTP(ctx, accountID); err != nil {
		return err
	}
	e.resetTOTPAttempts(ctx, accountID)
	e.metricInc(MetricTOTPDisabled)
	e.emitAudit(ctx, auditEventTOTPDisabled, true, accountID, "", nil, nil)
	return nil
}

func (e *Engine) totpRecord(ctx context.Context, accountID string) (TOTPRecord, error) {
	rec, err := e.accounts.GetTOTP(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return TOTPRecord{}, ErrTOTPNotConfigured
		}
		return TOTPRecord{}, err
	}
	return rec, nil
}

// checkTOTPAttempts verifies code under the 2FA attempt limiter.
func (e *Engine) checkTOTPAttempts(ctx context.Context, accountID, code string, rec TOTPRecord) error {
	if err := e.totpLimiter.Check(ctx, accountID); err != nil {
		return e.totpLimiterError(ctx, err)
	}
	ok, err := e.verifyTOTP(ctx, rec, code)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	e.emitAudit(ctx, auditEventTOTPFailure, false, accountID, "", ErrTOTPInvalid, nil)
	if err := e.totpLimiter.RecordFailure(ctx, accountID); err != nil {
		if errors.Is(err, limiters.ErrTOTPRateLimited) {
			return ErrTOTPRateLimited
		}
		e.logger.Error("totp attempt record failed", slog.String("account_id", accountID), slog.Any("err", err))
	}
	return ErrTOTPInvalid
}

func (e *Engine) totpLimiterError(ctx context.Context, err error) error {
	if errors.Is(err, limiters.ErrTOTPRateLimited) {
		return ErrTOTPRateLimited
	}
	return e.unavailable(ctx, "totp_limiter.check", err)
}

func (e *Engine) resetTOTPAttempts(ctx context.Context, accountID string) {
	if err := e.totpLimiter.Reset(ctx, accountID); err != nil {
		e.logger.Warn("totp attempt reset failed", slog.String("account_id", accountID), slog.Any("err", err))
	}
}

// verifyLoginTOTP checks the second factor during Login. An account flagged for 2FA
// without a confirmed record fails closed.
func (e *Engine) verifyLoginTOTP(ctx context.Context, acct Account, code string) (bool, error) {
	rec, err := e.accounts.GetTOTP(ctx, acct.ID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.logger.Error("account has 2fa enabled but no secret", slog.String("account_id", acct.ID))
			return false, nil
		}
		return false, err
	}
	if rec.State != TOTPConfirmed {
		e.logger.Error("account has 2fa enabled but secret is unconfirmed", slog.String("account_id", acct.ID))
		return false, nil
	}
	ok, err := e.verifyTOTP(ctx, rec, code)
	if err != nil {
		return false, err
	}
	if !ok {
		e.emitAudit(ctx, auditEventTOTPFailure, false, acct.ID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"path": "login"}
		})
	}
	return ok, nil
}

// verifyTOTP decrypts the stored secret, checks code and advances the replay counter. A
// code whose time step was already used is rejected.
func (e *Engine) verifyTOTP(ctx context.Context, rec TOTPRecord, code string) (bool, error) {
	secret := rec.Secret
	if rec.Encrypted {
		if e.vault == nil {
			e.logger.Error("cannot decrypt totp secret", slog.String("account_id", rec.AccountID), slog.Any("err", errMasterKeyMissing))
			return false, &UnavailableError{Err: errMasterKeyMissing}
		}
		plain, err := e.vault.Decrypt(rec.Secret, rec.AccountID)
		if err != nil {
			e.logger.Error("cannot decrypt totp secret", slog.String("account_id", rec.AccountID), slog.Any("err", err))
			return false, &UnavailableError{Err: err}
		}
		secret = string(plain)
	}

	ok, counter, err := e.totp.Verify(secret, code, e.now())
	if err != nil {
		return false, fmt.Errorf("verify totp: %w", err)
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		return false, nil
	}

	if counter <= rec.LastUsedCounter {
		e.totpReplay(ctx, rec.AccountID, counter)
		return false, nil
	}
	advanced, err := e.accounts.AdvanceTOTPCounter(ctx, rec.AccountID, counter)
	if err != nil {
		return false, err
	}
	if !advanced {
		e.totpReplay(ctx, rec.AccountID, counter)
		return false, nil
	}

	e.metricInc(MetricTOTPSuccess)
	return true, nil
}

func (e *Engine) totpReplay(ctx context.Context, accountID string, counter int64) {
	e.metricInc(MetricTOTPReplay)
	e.emitAudit(ctx, auditEventTOTPReplay, false, accountID, "", ErrTOTPInvalid, func() map[string]string {
		return map[string]string{"counter": itoa(counter)}
	})
}
