package vpnauth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

const totpSecretBytes = 20

var errEmptyTOTPSecret = errors.New("empty totp secret")

type totpManager struct {
	issuer    string
	digits    otp.Digits
	period    uint
	skew      int
	algorithm otp.Algorithm
}

func totpAlgorithm(name string) (otp.Algorithm, error) {
	switch strings.ToUpper(name) {
	case "", "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	default:
		return 0, fmt.Errorf("unsupported totp algorithm %q", name)
	}
}

func newTOTPManager(cfg TOTPConfig) (*totpManager, error) {
	alg, err := totpAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	return &totpManager{
		issuer:    cfg.Issuer,
		digits:    otp.Digits(cfg.Digits),
		period:    uint(cfg.Period),
		skew:      cfg.Skew,
		algorithm: alg,
	}, nil
}

// Generate creates a new random secret labelled for accountName.
func (m *totpManager) Generate(accountName string) (*otp.Key, error) {
	if m == nil {
		return nil, ErrEngineNotReady
	}
	return totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: accountName,
		Period:      m.period,
		SecretSize:  totpSecretBytes,
		Digits:      m.digits,
		Algorithm:   m.algorithm,
	})
}

// Verify checks code against secret within ±skew periods of now and returns the matched
// time step, which the caller compares with the stored counter to reject replays.
func (m *totpManager) Verify(secret, code string, now time.Time) (bool, int64, error) {
	if m == nil {
		return false, 0, ErrEngineNotReady
	}

	trimmed := strings.TrimSpace(code)
	if len(trimmed) != m.digits.Length() || !isNumericString(trimmed) {
		return false, 0, nil
	}
	if secret == "" {
		return false, 0, errEmptyTOTPSecret
	}

	base := now.Unix() / int64(m.period)
	opts := hotp.ValidateOpts{Digits: m.digits, Algorithm: m.algorithm}
	for step := -m.skew; step <= m.skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		ok, err := hotp.ValidateCustom(trimmed, uint64(counter), secret, opts)
		if err != nil {
			return false, 0, err
		}
		if ok {
			return true, counter, nil
		}
	}
	return false, 0, nil
}

// codeAt is the code for t.
func (m *totpManager) codeAt(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
		Period:    m.period,
		Digits:    m.digits,
		Algorithm: m.algorithm,
	})
}

func isNumericString(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
