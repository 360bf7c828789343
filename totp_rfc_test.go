package vpnauth

import (
	"encoding/base32"
	"strings"
	"testing"
	"time"
)

func b32(raw string) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString([]byte(raw))
}

func mustTOTPManager(t *testing.T, cfg TOTPConfig) *totpManager {
	t.Helper()
	m, err := newTOTPManager(cfg)
	if err != nil {
		t.Fatalf("newTOTPManager failed: %v", err)
	}
	return m
}

func TestTOTPVerifyRFCVectorsSHA1(t *testing.T) {
	m := mustTOTPManager(t, TOTPConfig{
		Issuer:    "vpnauth",
		Digits:    8,
		Period:    30,
		Algorithm: "SHA1",
		Skew:      0,
	})
	secret := b32("12345678901234567890")
	cases := []struct {
		ts   int64
		code string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	}

	for _, tc := range cases {
		ok, counter, err := m.Verify(secret, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("SHA1 vector failed at t=%d, ok=%v err=%v", tc.ts, ok, err)
		}
		if counter != tc.ts/30 {
			t.Fatalf("SHA1 vector at t=%d matched counter %d", tc.ts, counter)
		}
	}
}

func TestTOTPVerifyRFCVectorsSHA256(t *testing.T) {
	m := mustTOTPManager(t, TOTPConfig{
		Issuer:    "vpnauth",
		Digits:    8,
		Period:    30,
		Algorithm: "SHA256",
		Skew:      0,
	})
	secret := b32("12345678901234567890123456789012")
	cases := []struct {
		ts   int64
		code string
	}{
		{59, "46119246"},
		{1111111109, "68084774"},
		{1111111111, "67062674"},
		{1234567890, "91819424"},
		{2000000000, "90698825"},
		{20000000000, "77737706"},
	}

	for _, tc := range cases {
		ok, _, err := m.Verify(secret, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("SHA256 vector failed at t=%d, ok=%v err=%v", tc.ts, ok, err)
		}
	}
}

func TestTOTPVerifyRFCVectorsSHA512(t *testing.T) {
	m := mustTOTPManager(t, TOTPConfig{
		Issuer:    "vpnauth",
		Digits:    8,
		Period:    30,
		Algorithm: "SHA512",
		Skew:      0,
	})
	secret := b32("1234567890123456789012345678901234567890123456789012345678901234")
	cases := []struct {
		ts   int64
		code string
	}{
		{59, "90693936"},
		{1111111109, "25091201"},
		{1111111111, "99943326"},
		{1234567890, "93441116"},
		{2000000000, "38618901"},
		{20000000000, "47863826"},
	}

	for _, tc := range cases {
		ok, _, err := m.Verify(secret, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("SHA512 vector failed at t=%d, ok=%v err=%v", tc.ts, ok, err)
		}
	}
}

func TestTOTPDriftWindowAcceptsAdjacentStep(t *testing.T) {
	m := mustTOTPManager(t, TOTPConfig{
		Issuer:    "vpnauth",
		Digits:    6,
		Period:    30,
		Algorithm: "SHA1",
		Skew:      1,
	})
	secret := b32("12345678901234567890")
	now := time.Unix(1234567890, 0)
	code, err := m.codeAt(secret, now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("codeAt failed: %v", err)
	}

	ok, counter, err := m.Verify(secret, code, now)
	if err != nil || !ok {
		t.Fatalf("expected skew code accepted, ok=%v err=%v", ok, err)
	}
	if counter != now.Unix()/30-1 {
		t.Fatalf("expected previous counter, got %d", counter)
	}

	stale, err := m.codeAt(secret, now.Add(-90*time.Second))
	if err != nil {
		t.Fatalf("codeAt failed: %v", err)
	}
	if ok, _, _ := m.Verify(secret, stale, now); ok {
		t.Fatal("expected code outside the skew window to be rejected")
	}
}

func TestTOTPWrongDigitsRejected(t *testing.T) {
	m := mustTOTPManager(t, TOTPConfig{
		Issuer:    "vpnauth",
		Digits:    6,
		Period:    30,
		Algorithm: "SHA1",
		Skew:      1,
	})
	secret := b32("12345678901234567890")
	for _, code := range []string{"12345678", "12a456", "", "1234567"} {
		ok, _, err := m.Verify(secret, code, time.Now())
		if err != nil {
			t.Fatalf("code %q: unexpected error: %v", code, err)
		}
		if ok {
			t.Fatalf("code %q: expected rejection", code)
		}
	}
}

func TestTOTPGenerateProducesUsableKey(t *testing.T) {
	m := mustTOTPManager(t, TOTPConfig{
		Issuer:    "vpnauth",
		Digits:    6,
		Period:    30,
		Algorithm: "SHA1",
		Skew:      1,
	})
	key, err := m.Generate("alice@example.com")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.Contains(key.URL(), "issuer=vpnauth") {
		t.Fatalf("unexpected uri %q", key.URL())
	}
	now := time.Now()
	code, err := m.codeAt(key.Secret(), now)
	if err != nil {
		t.Fatalf("codeAt failed: %v", err)
	}
	if ok, _, err := m.Verify(key.Secret(), code, now); err != nil || !ok {
		t.Fatalf("expected generated code accepted, ok=%v err=%v", ok, err)
	}
}

func TestTOTPUnknownAlgorithm(t *testing.T) {
	if _, err := newTOTPManager(TOTPConfig{Digits: 6, Period: 30, Algorithm: "MD5"}); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}
