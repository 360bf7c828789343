package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/vpnauth"
)

type fakeValidator struct {
	token string
	res   *vpnauth.AuthResult
	err   error
}

func (f fakeValidator) ValidateAccess(_ context.Context, token string) (*vpnauth.AuthResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if token != f.token {
		return nil, vpnauth.ErrTokenMalformed
	}
	return f.res, nil
}

type rateFunc func(ctx context.Context, class, client string) error

func (f rateFunc) CheckRate(ctx context.Context, class, client string) error {
	return f(ctx, class, client)
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestGuardAcceptsBearerToken(t *testing.T) {
	want := &vpnauth.AuthResult{AccountID: "acct-1", Role: "subscriber"}
	var got *vpnauth.AuthResult
	h := Guard(fakeValidator{token: "tok", res: want})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = AuthResultFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "bearer tok")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Same(t, want, got)
}

func TestGuardRejects(t *testing.T) {
	cases := []struct {
		name   string
		header string
		err    error
	}{
		{"missing header", "", nil},
		{"basic auth", "Basic dXNlcjpwYXNz", nil},
		{"empty bearer", "Bearer   ", nil},
		{"expired", "Bearer tok", vpnauth.ErrTokenExpired},
		{"revoked", "Bearer tok", vpnauth.ErrTokenRevoked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Guard(fakeValidator{token: "tok", err: tc.err})(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Equal(t, msgUnauthorized, decodeError(t, rec))
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := Guard(fakeValidator{token: "tok", res: &vpnauth.AuthResult{Role: "subscriber"}})(RequireRole("admin")(okHandler))
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	h = Guard(fakeValidator{token: "tok", res: &vpnauth.AuthResult{Role: "admin"}})(RequireRole("admin")(okHandler))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestMetadataDirectClient(t *testing.T) {
	var ip string
	h := RequestMetadata(MetadataConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip = vpnauth.ClientIP(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "198.51.100.4:51234"
	req.Header.Set("X-Forwarded-For", "10.9.9.9")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, "198.51.100.4", ip, "untrusted peers cannot spoof X-Forwarded-For")
}

func TestRequestMetadataTrustedProxy(t *testing.T) {
	cfg := MetadataConfig{TrustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}
	var ip string
	h := RequestMetadata(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip = vpnauth.ClientIP(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "10.0.0.2:443"
	req.Header.Set("X-Forwarded-For", "1.1.1.1, 203.0.113.7, 10.0.0.5")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, "203.0.113.7", ip)
}

func TestRateLimitMiddleware(t *testing.T) {
	var gotClass, gotClient string
	limited := rateFunc(func(_ context.Context, class, client string) error {
		gotClass, gotClient = class, client
		return &vpnauth.RateLimitedError{Class: class, RetryAfter: 1500 * time.Millisecond}
	})

	h := RequestMetadata(MetadataConfig{})(RateLimit(limited, vpnauth.RateClassLogin)(okHandler))
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "198.51.100.4:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.Equal(t, vpnauth.RateClassLogin, gotClass)
	require.Equal(t, "198.51.100.4", gotClient)
}

func TestRateLimitStoreDown(t *testing.T) {
	down := rateFunc(func(context.Context, string, string) error {
		return &vpnauth.UnavailableError{RetryAfter: 30 * time.Second, Err: errors.New("redis down")}
	})
	rec := httptest.NewRecorder()
	RateLimit(down, vpnauth.RateClassDefault)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{vpnauth.ErrInvalidCredentials, http.StatusUnauthorized, msgInvalidCredentials},
		{&vpnauth.LockedError{RetryAfter: time.Minute}, http.StatusTooManyRequests, "too many attempts"},
		{&vpnauth.LockedError{Permanent: true}, http.StatusLocked, "account locked"},
		{vpnauth.ErrAccountUnverified, http.StatusForbidden, "email not verified"},
		{vpnauth.ErrFingerprintMismatch, http.StatusUnauthorized, msgUnauthorized},
		{vpnauth.ErrTOTPRateLimited, http.StatusTooManyRequests, "too many requests"},
		{vpnauth.ErrTOTPAlreadyEnabled, http.StatusConflict, "two-factor already enabled"},
		{&vpnauth.UnavailableError{}, http.StatusServiceUnavailable, "service unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		status, msg := StatusFor(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.Equal(t, tc.msg, msg, tc.err.Error())
	}
}

func TestWriteErrorPermanentLockHasNoRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, &vpnauth.LockedError{Permanent: true})
	require.Equal(t, http.StatusLocked, rec.Code)
	require.Empty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
