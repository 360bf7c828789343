package revocation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/vpnauth/kvstore"
)

const (
	valueActive  = "active"
	valueRevoked = "revoked"

	defaultMaxTTL = 30 * 24 * time.Hour
)

var (
	// ErrUnavailable wraps backend failures. Callers must fail closed on it.
	ErrUnavailable = errors.New("revocation store unavailable")
	// ErrInvalidJTI is returned for empty identifiers.
	ErrInvalidJTI = errors.New("revocation: empty jti")
)

// ConsumeResult is the outcome of Consume.
type ConsumeResult int

const (
	// Consumed means the JTI was active and is now revoked.
	Consumed ConsumeResult = iota
	// AlreadyRevoked means the JTI had been revoked before: a replayed token.
	AlreadyRevoked
	// Unknown means no record exists (never registered, or expired).
	Unknown
)

func (r ConsumeResult) String() string {
	switch r {
	case Consumed:
		return "consumed"
	case AlreadyRevoked:
		return "already_revoked"
	default:
		return "unknown"
	}
}

// Config tunes a Store.
type Config struct {
	Prefix string
	// MaxTTL bounds every record and is used when a caller does not know a token's expiry.
	MaxTTL time.Duration
	// RequireRegistration treats a JTI with no record as revoked. Enable it when every
	// token is registered at issuance.
	RequireRegistration bool
	Now                 func() time.Time
}

// Store is the revocation store. It keeps no process state of its own.
type Store struct {
	kv     kvstore.Store
	config Config
}

// New creates a Store on kv.
func New(kv kvstore.Store, cfg Config) *Store {
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = defaultMaxTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{kv: kv, config: cfg}
}

func (s *Store) jtiKey(jti string) string {
	return s.config.Prefix + "rv:j:" + jti
}

func (s *Store) genKey(subject string) string {
	return s.config.Prefix + "rv:g:" + subject
}

// ttlUntil converts an absolute expiry into a record lifetime, clamped to (0, MaxTTL].
func (s *Store) ttlUntil(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return s.config.MaxTTL
	}
	ttl := expiresAt.Sub(s.config.Now())
	if ttl > s.config.MaxTTL {
		return s.config.MaxTTL
	}
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

// Register marks jti active until expiresAt. It never replaces an existing record, so a
// tombstone written first always wins.
func (s *Store) Register(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return ErrInvalidJTI
	}
	if _, err := s.kv.SetNX(ctx, s.jtiKey(jti), valueActive, s.ttlUntil(expiresAt)); err != nil {
		return wrap(err)
	}
	return nil
}

// IsRevoked reports whether a token must be rejected: a tombstone, a generation older than
// the subject's current one, or (with RequireRegistration) no record at all.
func (s *Store) IsRevoked(ctx context.Context, jti, subject string, generation int64) (bool, error) {
	if jti == "" {
		return true, nil
	}

	v, err := s.kv.Get(ctx, s.jtiKey(jti))
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		if s.config.RequireRegistration {
			return true, nil
		}
	case err != nil:
		return true, wrap(err)
	case v == valueRevoked:
		return true, nil
	}

	if subject == "" {
		return false, nil
	}
	current, err := s.Generation(ctx, subject)
	if err != nil {
		return true, err
	}
	return generation < current, nil
}

// Revoke writes a tombstone for jti. An existing longer lifetime is kept; a zero
// expiresAt uses MaxTTL.
func (s *Store) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return ErrInvalidJTI
	}
	key := s.jtiKey(jti)
	ttl := s.ttlUntil(expiresAt)

	existing, err := s.kv.TTL(ctx, key)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
	case err != nil:
		return wrap(err)
	case existing > ttl:
		ttl = existing
	}

	if err := s.kv.Set(ctx, key, valueRevoked, ttl); err != nil {
		return wrap(err)
	}
	return nil
}

// Consume atomically moves jti from active to revoked. It is the single-use gate for
// refresh tokens: of any number of concurrent callers presenting the same JTI, exactly one
// observes Consumed.
func (s *Store) Consume(ctx context.Context, jti string) (ConsumeResult, error) {
	if jti == "" {
		return Unknown, ErrInvalidJTI
	}
	swapped, err := s.kv.CompareAndSwap(ctx, s.jtiKey(jti), valueActive, valueRevoked)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		return Unknown, nil
	case err != nil:
		return Unknown, wrap(err)
	case swapped:
		return Consumed, nil
	default:
		return AlreadyRevoked, nil
	}
}

// RevokeAll invalidates every token issued to subject so far and returns the new
// generation, which tokens issued from now on must carry.
func (s *Store) RevokeAll(ctx context.Context, subject string) (int64, error) {
	if subject == "" {
		return 0, fmt.Errorf("revocation: empty subject")
	}
	gen, _, err := s.kv.Incr(ctx, s.genKey(subject), 0)
	if err != nil {
		return 0, wrap(err)
	}
	return gen, nil
}

// Generation returns subject's current generation; zero when never revoked.
func (s *Store) Generation(ctx context.Context, subject string) (int64, error) {
	raw, err := s.kv.Get(ctx, s.genKey(subject))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return 0, nil
		}
		return 0, wrap(err)
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt generation for %q", ErrUnavailable, subject)
	}
	return gen, nil
}

func wrap(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
