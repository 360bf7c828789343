package accountstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/vpnauth"
)

func (s *Store) GetTOTP(ctx context.Context, accountID string) (vpnauth.TOTPRecord, error) {
	var (
		rec         vpnauth.TOTPRecord
		state       string
		createdAt   int64
		confirmedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT account_id, secret, encrypted, state, last_used_counter, created_at, confirmed_at
		FROM account_totp WHERE account_id = ?`), accountID).
		Scan(&rec.AccountID, &rec.Secret, &rec.Encrypted, &state, &rec.LastUsedCounter, &createdAt, &confirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vpnauth.TOTPRecord{}, vpnauth.ErrAccountNotFound
	}
	if err != nil {
		return vpnauth.TOTPRecord{}, fmt.Errorf("scan totp: %w", err)
	}
	rec.State = vpnauth.TOTPState(state)
	rec.CreatedAt = fromMillis(sql.NullInt64{Int64: createdAt, Valid: true})
	rec.ConfirmedAt = fromMillis(confirmedAt)
	return rec, nil
}

// SaveTOTP inserts or replaces a pending record. A confirmed record is left untouched and
// ErrTOTPConfirmed is returned.
func (s *Store) SaveTOTP(ctx context.Context, rec vpnauth.TOTPRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	state := rec.State
	if state == "" {
		state = vpnauth.TOTPPending
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO account_totp
		(account_id, secret, encrypted, state, last_used_counter, created_at, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			secret = excluded.secret,
			encrypted = excluded.encrypted,
			state = excluded.state,
			last_used_counter = excluded.last_used_counter,
			created_at = excluded.created_at,
			confirmed_at = excluded.confirmed_at
		WHERE account_totp.state <> 'confirmed'`),
		rec.AccountID, rec.Secret, rec.Encrypted, string(state), rec.LastUsedCounter,
		createdAt.UnixMilli(), toMillis(rec.ConfirmedAt),
	)
	if err != nil {
		return fmt.Errorf("save totp: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save totp: %w", err)
	}
	if n == 0 {
		return ErrTOTPConfirmed
	}
	return nil
}

// ConfirmTOTP promotes the pending record and flags the account in one transaction.
func (s *Store) ConfirmTOTP(ctx context.Context, accountID string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE account_totp SET state = 'confirmed', confirmed_at = ?
			WHERE account_id = ? AND state = 'pending'`), at.UnixMilli(), accountID)
		if err != nil {
			return fmt.Errorf("confirm totp: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("confirm totp: %w", err)
		} else if n == 0 {
			return vpnauth.ErrAccountNotFound
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE accounts SET totp_enabled = ? WHERE id = ?`), true, accountID); err != nil {
			return fmt.Errorf("flag account totp: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteTOTP(ctx context.Context, accountID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM account_totp WHERE account_id = ?`), accountID); err != nil {
			return fmt.Errorf("delete totp: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE accounts SET totp_enabled = ? WHERE id = ?`), false, accountID); err != nil {
			return fmt.Errorf("clear account totp: %w", err)
		}
		return nil
	})
}

// AdvanceTOTPCounter is a compare-and-set: it only moves the counter forward.
func (s *Store) AdvanceTOTPCounter(ctx context.Context, accountID string, counter int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE account_totp SET last_used_counter = ?
		WHERE account_id = ? AND last_used_counter < ?`), counter, accountID, counter)
	if err != nil {
		return false, fmt.Errorf("advance totp counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance totp counter: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM account_totp WHERE account_id = ?`), accountID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, vpnauth.ErrAccountNotFound
	}
	if err != nil {
		return false, fmt.Errorf("advance totp counter: %w", err)
	}
	return false, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
