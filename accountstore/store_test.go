package accountstore

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/vpnauth"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store, login string) vpnauth.Account {
	t.Helper()
	acct, err := s.CreateAccount(context.Background(), NewAccount{
		Login:        login,
		Email:        "alice@example.com",
		PasswordHash: "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA",
	})
	require.NoError(t, err)
	return acct
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	require.Equal(t, "UPDATE a SET x = $1 WHERE id = $2", pg.rebind("UPDATE a SET x = ? WHERE id = ?"))
	lite := &Store{dialect: SQLite}
	require.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	require.Equal(t, 1, n)
}

func TestCreateAndLookupAccount(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	created := seedAccount(t, s, "  Alice@Example.com ")

	require.Equal(t, "alice@example.com", created.Login)
	require.Equal(t, "subscriber", created.Role)
	require.True(t, created.Active)

	byLogin, err := s.GetAccountByLogin(ctx, "ALICE@example.com")
	require.NoError(t, err)
	require.Equal(t, created.ID, byLogin.ID)
	require.True(t, created.CreatedAt.Equal(byLogin.CreatedAt))
	require.True(t, byLogin.LastLoginAt.IsZero())
	require.False(t, byLogin.EmailVerified)

	byID, err := s.GetAccountByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, byLogin, byID)

	_, err = s.CreateAccount(ctx, NewAccount{Login: "alice@example.com", PasswordHash: "x"})
	require.ErrorIs(t, err, ErrLoginTaken)

	_, err = s.GetAccountByLogin(ctx, "nobody@example.com")
	require.ErrorIs(t, err, vpnauth.ErrAccountNotFound)
}

func TestAccountUpdates(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	acct := seedAccount(t, s, "alice@example.com")

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.TouchLastLogin(ctx, acct.ID, at))
	require.NoError(t, s.UpdatePasswordHash(ctx, acct.ID, "$argon2id$new"))
	require.NoError(t, s.SetActive(ctx, acct.ID, false))
	require.NoError(t, s.SetEmailVerified(ctx, acct.ID, true))

	got, err := s.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, got.LastLoginAt.Equal(at))
	require.Equal(t, "$argon2id$new", got.PasswordHash)
	require.False(t, got.Active)
	require.True(t, got.EmailVerified)

	require.ErrorIs(t, s.UpdatePasswordHash(ctx, "missing", "x"), vpnauth.ErrAccountNotFound)
}

func TestTOTPLifecycle(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	acct := seedAccount(t, s, "alice@example.com")

	_, err := s.GetTOTP(ctx, acct.ID)
	require.ErrorIs(t, err, vpnauth.ErrAccountNotFound)

	pending := vpnauth.TOTPRecord{AccountID: acct.ID, Secret: "v1.first", Encrypted: true, State: vpnauth.TOTPPending}
	require.NoError(t, s.SaveTOTP(ctx, pending))
	pending.Secret = "v1.second"
	require.NoError(t, s.SaveTOTP(ctx, pending), "a pending record may be replaced")

	rec, err := s.GetTOTP(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, "v1.second", rec.Secret)
	require.True(t, rec.Encrypted)
	require.Equal(t, vpnauth.TOTPPending, rec.State)

	confirmedAt := time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC)
	require.NoError(t, s.ConfirmTOTP(ctx, acct.ID, confirmedAt))
	require.ErrorIs(t, s.ConfirmTOTP(ctx, acct.ID, confirmedAt), vpnauth.ErrAccountNotFound)

	rec, err = s.GetTOTP(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, vpnauth.TOTPConfirmed, rec.State)
	require.True(t, rec.ConfirmedAt.Equal(confirmedAt))

	got, err := s.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, got.TOTPEnabled)

	require.ErrorIs(t, s.SaveTOTP(ctx, pending), ErrTOTPConfirmed)

	require.NoError(t, s.DeleteTOTP(ctx, acct.ID))
	_, err = s.GetTOTP(ctx, acct.ID)
	require.ErrorIs(t, err, vpnauth.ErrAccountNotFound)
	got, err = s.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.False(t, got.TOTPEnabled)
}

func TestAdvanceTOTPCounterOnlyMovesForward(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	acct := seedAccount(t, s, "alice@example.com")
	require.NoError(t, s.SaveTOTP(ctx, vpnauth.TOTPRecord{AccountID: acct.ID, Secret: "JBSWY3DPEHPK3PXP", State: vpnauth.TOTPPending}))

	ok, err := s.AdvanceTOTPCounter(ctx, acct.ID, 100)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AdvanceTOTPCounter(ctx, acct.ID, 100)
	require.NoError(t, err)
	require.False(t, ok, "same step is a replay")

	ok, err = s.AdvanceTOTPCounter(ctx, acct.ID, 99)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.AdvanceTOTPCounter(ctx, "missing", 1)
	require.ErrorIs(t, err, vpnauth.ErrAccountNotFound)
}

func TestAdvanceTOTPCounterConcurrentSingleWinner(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	acct := seedAccount(t, s, "alice@example.com")
	require.NoError(t, s.SaveTOTP(ctx, vpnauth.TOTPRecord{AccountID: acct.ID, Secret: "JBSWY3DPEHPK3PXP", State: vpnauth.TOTPPending}))

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AdvanceTOTPCounter(ctx, acct.ID, 500)
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, winners.Load())
}
