package vpnauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/vpnauth/jwt"
)

func TestRefreshRotatesAndConsumes(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("vpn-client/1.0")
	pair := env.login(t, ctx)

	env.clock.Advance(time.Minute)
	rotated, err := env.engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken || rotated.AccessToken == pair.AccessToken {
		t.Fatal("expected new tokens")
	}
	if _, err := env.engine.ValidateAccess(ctx, rotated.AccessToken); err != nil {
		t.Fatalf("rotated access invalid: %v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricRefreshSuccess]; got != 1 {
		t.Fatalf("expected MetricRefreshSuccess=1, got %d", got)
	}
}

func TestRefreshReuseRevokesEverything(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("vpn-client/1.0")
	pair := env.login(t, ctx)

	rotated, err := env.engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked on reuse, got %v", err)
	}
	if _, err := env.engine.ValidateAccess(ctx, rotated.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected tokens issued before reuse to be revoked, got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, rotated.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected rotated refresh revoked, got %v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricRefreshReuseDetected]; got != 1 {
		t.Fatalf("expected MetricRefreshReuseDetected=1, got %d", got)
	}

	// A fresh login starts a new generation and works.
	fresh := env.login(t, ctx)
	if _, err := env.engine.ValidateAccess(ctx, fresh.AccessToken); err != nil {
		t.Fatalf("fresh login invalid: %v", err)
	}
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("vpn-client/1.0")
	pair := env.login(t, ctx)

	const workers = 16
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		start   = make(chan struct{})
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			if _, err := env.engine.Refresh(ctx, pair.RefreshToken); err == nil {
				success.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := success.Load(); got != 1 {
		t.Fatalf("expected exactly one successful refresh, got %d", got)
	}
}

func TestRefreshFingerprintMismatch(t *testing.T) {
	env := newTestEnv(t, testConfig())
	pair := env.login(t, clientCtx("vpn-client/1.0"))

	_, err := env.engine.Refresh(clientCtx("curl/8.5"), pair.RefreshToken)
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricFingerprintMismatch]; got != 1 {
		t.Fatalf("expected MetricFingerprintMismatch=1, got %d", got)
	}

	// The rejected attempt did not consume the token.
	if _, err := env.engine.Refresh(clientCtx("vpn-client/1.0"), pair.RefreshToken); err != nil {
		t.Fatalf("legitimate client refresh failed: %v", err)
	}
}

func issueUnboundRefresh(t *testing.T, env *testEnv) string {
	t.Helper()
	issued, err := env.engine.issue(context.Background(), jwt.KindRefresh, env.acct, 0, "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	return issued.Token
}

func TestRefreshUnboundDefaultCutoffCoversOneRefreshLifetime(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("vpn-client/1.0")

	if _, err := env.engine.Refresh(ctx, issueUnboundRefresh(t, env)); err != nil {
		t.Fatalf("expected unbound token accepted after start, got %v", err)
	}

	env.clock.Advance(7*24*time.Hour + time.Minute)
	if _, err := env.engine.Refresh(ctx, issueUnboundRefresh(t, env)); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected rejection once every legacy token has expired, got %v", err)
	}
}

func TestRefreshUnboundRejectedWithPastCutoff(t *testing.T) {
	cfg := testConfig()
	cfg.Security.UnboundRefreshCutoff = time.Unix(0, 0)
	env := newTestEnv(t, cfg)

	if _, err := env.engine.Refresh(clientCtx("vpn-client/1.0"), issueUnboundRefresh(t, env)); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
}

func TestRefreshUnboundAcceptedBeforeCutoff(t *testing.T) {
	cfg := testConfig()
	cfg.Security.UnboundRefreshCutoff = newFakeClock().Now().Add(24 * time.Hour)
	env := newTestEnv(t, cfg)
	ctx := clientCtx("vpn-client/1.0")

	rotated, err := env.engine.Refresh(ctx, issueUnboundRefresh(t, env))
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricRefreshUnbound]; got != 1 {
		t.Fatalf("expected MetricRefreshUnbound=1, got %d", got)
	}

	// The replacement is bound to the presenting client.
	if _, err := env.engine.Refresh(clientCtx("other/2.0"), rotated.RefreshToken); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected rotated token to be bound, got %v", err)
	}

	env.clock.Advance(25 * time.Hour)
	if _, err := env.engine.Refresh(ctx, issueUnboundRefresh(t, env)); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected rejection after cutoff, got %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("vpn-client/1.0")
	pair := env.login(t, ctx)

	if _, err := env.engine.Refresh(ctx, pair.AccessToken); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, "not-a-token"); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
}

func TestRefreshInactiveAccount(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("vpn-client/1.0")
	pair := env.login(t, ctx)

	acct := env.acct
	acct.Active = false
	env.accounts.add(acct)

	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestValidateAccessExpiry(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	pair := env.login(t, ctx)

	env.clock.Advance(14 * time.Minute)
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); err != nil {
		t.Fatalf("expected valid before expiry, got %v", err)
	}
	env.clock.Advance(2 * time.Minute)
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateAccessJustPastExpiryIsExpired(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	pair := env.login(t, ctx)

	env.clock.Advance(15*time.Minute + 3*time.Second)
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricTokenRevoked]; got != 0 {
		t.Fatalf("an expired token is not a revocation, got MetricTokenRevoked=%d", got)
	}
}

func TestValidateAccessWithinLeewayStaysRegistered(t *testing.T) {
	cfg := testConfig()
	cfg.JWT.Leeway = 5 * time.Second
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	pair := env.login(t, ctx)

	env.clock.Advance(15*time.Minute + 3*time.Second)
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); err != nil {
		t.Fatalf("expected token accepted inside leeway, got %v", err)
	}
	env.clock.Advance(3 * time.Second)
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired past leeway, got %v", err)
	}
}

func TestValidateAccessDoesNotReadAccounts(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	pair := env.login(t, ctx)

	before := env.accounts.getByIDCalls
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if env.accounts.getByIDCalls != before {
		t.Fatal("expected ValidateAccess to avoid the account store")
	}
}

func TestValidateAccessUnregisteredJTI(t *testing.T) {
	env := newTestEnv(t, testConfig())
	issued, err := env.engine.jwtManager.Issue(jwt.KindAccess, env.acct.ID, env.acct.Role, 0, "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := env.engine.ValidateAccess(context.Background(), issued.Token); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected unregistered token to be rejected, got %v", err)
	}
}

func TestLogoutRevokesBothTokens(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("vpn-client/1.0")
	pair := env.login(t, ctx)

	if err := env.engine.Logout(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected access revoked, got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected refresh revoked, got %v", err)
	}
	if err := env.engine.Logout(ctx, pair.AccessToken, ""); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected second logout to fail, got %v", err)
	}
}

func TestLogoutIgnoresForeignRefresh(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("vpn-client/1.0")
	pair := env.login(t, ctx)

	hash, _ := env.engine.passwordHash.Hash("another-password")
	env.accounts.add(Account{ID: "acct-2", Login: "bob@example.com", PasswordHash: hash, Active: true, EmailVerified: true})
	bob, err := env.engine.Login(ctx, LoginRequest{Login: "bob@example.com", Password: "another-password"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := env.engine.Logout(ctx, pair.AccessToken, bob.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, bob.RefreshToken); err != nil {
		t.Fatalf("another account's refresh token must survive, got %v", err)
	}
}

func TestLogoutAllRevokesEveryDevice(t *testing.T) {
	env := newTestEnv(t, testConfig())
	laptop := clientCtx("vpn-client/1.0 (laptop)")
	phone := clientCtx("vpn-client/1.0 (phone)")

	a := env.login(t, laptop)
	b := env.login(t, phone)

	if err := env.engine.LogoutAll(laptop, a.AccessToken); err != nil {
		t.Fatalf("LogoutAll failed: %v", err)
	}
	if _, err := env.engine.ValidateAccess(phone, b.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected phone access revoked, got %v", err)
	}
	if _, err := env.engine.Refresh(phone, b.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected phone refresh revoked, got %v", err)
	}

	// Tokens issued afterwards carry the new generation.
	c := env.login(t, phone)
	if _, err := env.engine.ValidateAccess(phone, c.AccessToken); err != nil {
		t.Fatalf("post-logout-all login invalid: %v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricLogoutAll]; got != 1 {
		t.Fatalf("expected MetricLogoutAll=1, got %d", got)
	}
}
