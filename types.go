package vpnauth

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/MrEthical07/vpnauth/internal/audit"
)

// Account is the identity record owned by the persistence layer.
type Account struct {
	ID    string
	Login string
	Email string
	// PasswordHash is a PHC string; it records the Argon2 parameters used to produce it.
	PasswordHash  string
	Role          string
	EmailVerified bool
	Active        bool
	TOTPEnabled   bool
	CreatedAt     time.Time
	LastLoginAt   time.Time
}

// TOTPState is the enrollment state of a second factor.
type TOTPState string

const (
	TOTPPending   TOTPState = "pending"
	TOTPConfirmed TOTPState = "confirmed"
)

// TOTPRecord is the stored second factor of one account.
type TOTPRecord struct {
	AccountID string
	// Secret is vault ciphertext when Encrypted, otherwise the base32 secret.
	Secret    string
	Encrypted bool
	State     TOTPState
	// LastUsedCounter is the highest accepted time step; codes at or below it are replays.
	LastUsedCounter int64
	CreatedAt       time.Time
	ConfirmedAt     time.Time
}

// AccountStore is the persistence collaborator. Implementations must be safe for
// concurrent use and return ErrAccountNotFound for missing rows.
type AccountStore interface {
	GetAccountByLogin(ctx context.Context, login string) (Account, error)
	GetAccountByID(ctx context.Context, id string) (Account, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error

	// GetTOTP returns ErrAccountNotFound when the account has no second factor.
	GetTOTP(ctx context.Context, accountID string) (TOTPRecord, error)
	// SaveTOTP replaces any pending record. It must not overwrite a confirmed one.
	SaveTOTP(ctx context.Context, rec TOTPRecord) error
	// ConfirmTOTP promotes a pending record and sets Account.TOTPEnabled.
	ConfirmTOTP(ctx context.Context, accountID string, at time.Time) error
	// DeleteTOTP destroys the record and clears Account.TOTPEnabled.
	DeleteTOTP(ctx context.Context, accountID string) error
	// AdvanceTOTPCounter stores counter only if it is greater than the stored one and
	// reports whether it did. This is the replay guard.
	AdvanceTOTPCounter(ctx context.Context, accountID string, counter int64) (bool, error)
}

// LoginRequest carries the login credentials. TOTPCode is required once 2FA is confirmed.
type LoginRequest struct {
	Login    string
	Password string
	TOTPCode string
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AuthResult is returned by ValidateAccess.
type AuthResult struct {
	AccountID  string
	Role       string
	JTI        string
	Generation int64
	ExpiresAt  time.Time
}

// LockoutStatus is the lockout position of one login: ok, warn, throttled, locked or
// permanent.
type LockoutStatus struct {
	State      string
	Failures   int64
	RetryAfter time.Duration
}

// TOTPSetup holds the pending secret and its otpauth:// URI. It is the only time the
// secret leaves the engine.
type TOTPSetup struct {
	Secret string
	URI    string
}

// AuditEvent is a single security-relevant event.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the engine's dispatcher goroutine.
type AuditSink = internalaudit.Sink

// NoOpSink discards events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink buffers events in a channel.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// SlogSink writes events to a structured logger.
type SlogSink = internalaudit.SlogSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
