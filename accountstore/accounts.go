package accountstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/vpnauth"
)

const accountColumns = `id, login, email, password_hash, role, email_verified, active, totp_enabled, created_at, last_login_at`

// NewAccount is the input to CreateAccount. PasswordHash must already be a PHC string.
type NewAccount struct {
	Login         string
	Email         string
	PasswordHash  string
	Role          string
	EmailVerified bool
}

// CreateAccount inserts an active account with a UUIDv7 id.
func (s *Store) CreateAccount(ctx context.Context, in NewAccount) (vpnauth.Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return vpnauth.Account{}, fmt.Errorf("account id: %w", err)
	}
	role := in.Role
	if role == "" {
		role = "subscriber"
	}
	acct := vpnauth.Account{
		ID:            id.String(),
		Login:         normalizeLogin(in.Login),
		Email:         in.Email,
		PasswordHash:  in.PasswordHash,
		Role:          role,
		EmailVerified: in.EmailVerified,
		Active:        true,
		CreatedAt:     s.now().UTC().Truncate(time.Millisecond),
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO accounts
		(id, login, email, password_hash, role, email_verified, active, totp_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		acct.ID, acct.Login, acct.Email, acct.PasswordHash, acct.Role,
		acct.EmailVerified, acct.Active, false, acct.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return vpnauth.Account{}, ErrLoginTaken
		}
		return vpnauth.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

func (s *Store) GetAccountByLogin(ctx context.Context, login string) (vpnauth.Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE login = ?`), normalizeLogin(login))
	return scanAccount(row)
}

func (s *Store) GetAccountByID(ctx context.Context, id string) (vpnauth.Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (vpnauth.Account, error) {
	var (
		acct      vpnauth.Account
		createdAt int64
		lastLogin sql.NullInt64
	)
	err := row.Scan(
		&acct.ID, &acct.Login, &acct.Email, &acct.PasswordHash, &acct.Role,
		&acct.EmailVerified, &acct.Active, &acct.TOTPEnabled, &createdAt, &lastLogin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return vpnauth.Account{}, vpnauth.ErrAccountNotFound
	}
	if err != nil {
		return vpnauth.Account{}, fmt.Errorf("scan account: %w", err)
	}
	acct.CreatedAt = fromMillis(sql.NullInt64{Int64: createdAt, Valid: true})
	acct.LastLoginAt = fromMillis(lastLogin)
	return acct, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return s.updateOne(ctx, `UPDATE accounts SET password_hash = ? WHERE id = ?`, hash, id)
}

func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx, `UPDATE accounts SET last_login_at = ? WHERE id = ?`, toMillis(at), id)
}

// SetActive enables or disables an account. Disabled accounts cannot log in or refresh.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.updateOne(ctx, `UPDATE accounts SET active = ? WHERE id = ?`, active, id)
}

func (s *Store) SetEmailVerified(ctx context.Context, id string, verified bool) error {
	return s.updateOne(ctx, `UPDATE accounts SET email_verified = ? WHERE id = ?`, verified, id)
}

func (s *Store) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n == 0 {
		return vpnauth.ErrAccountNotFound
	}
	return nil
}
