package internaldefs

import (
	"github.com/MrEthical07/vpnauth"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   vpnauth.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for export.
type HistogramDef struct {
	ID   vpnauth.MetricID
	Name string
	Help string
}

// BreakerOpenName is the gauge set to 1 while the backing-store circuit is not closed.
const BreakerOpenName = "vpnauth_breaker_open"

var CounterDefs = []CounterDef{
	{ID: vpnauth.MetricLoginSuccess, Name: "vpnauth_login_success_total", Help: "Successful logins."},
	{ID: vpnauth.MetricLoginFailure, Name: "vpnauth_login_failure_total", Help: "Failed logins, including unknown logins and wrong second factors."},
	{ID: vpnauth.MetricLoginLocked, Name: "vpnauth_login_locked_total", Help: "Logins rejected by the lockout tracker."},
	{ID: vpnauth.MetricAccountLocked, Name: "vpnauth_account_locked_total", Help: "Identifiers that reached the permanent lockout tier."},
	{ID: vpnauth.MetricAccountUnlocked, Name: "vpnauth_account_unlocked_total", Help: "Operator unlocks."},
	{ID: vpnauth.MetricPasswordRehash, Name: "vpnauth_password_rehash_total", Help: "Password hashes upgraded at login."},
	{ID: vpnauth.MetricRefreshSuccess, Name: "vpnauth_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: vpnauth.MetricRefreshFailure, Name: "vpnauth_refresh_failure_total", Help: "Rejected refresh attempts."},
	{ID: vpnauth.MetricRefreshReuseDetected, Name: "vpnauth_refresh_reuse_detected_total", Help: "Consumed refresh tokens presented again."},
	{ID: vpnauth.MetricRefreshUnbound, Name: "vpnauth_refresh_unbound_total", Help: "Refresh tokens accepted without a fingerprint."},
	{ID: vpnauth.MetricFingerprintMismatch, Name: "vpnauth_fingerprint_mismatch_total", Help: "Refresh tokens presented by a different client."},
	{ID: vpnauth.MetricTokenRevoked, Name: "vpnauth_token_revoked_total", Help: "Tokens rejected as revoked."},
	{ID: vpnauth.MetricReauth, Name: "vpnauth_reauth_total", Help: "Re-authentication tokens issued."},
	{ID: vpnauth.MetricLogout, Name: "vpnauth_logout_total", Help: "Single-device logouts."},
	{ID: vpnauth.MetricLogoutAll, Name: "vpnauth_logout_all_total", Help: "Logout-everywhere operations."},
	{ID: vpnauth.MetricTOTPSuccess, Name: "vpnauth_totp_success_total", Help: "Accepted TOTP codes."},
	{ID: vpnauth.MetricTOTPFailure, Name: "vpnauth_totp_failure_total", Help: "Rejected TOTP codes."},
	{ID: vpnauth.MetricTOTPReplay, Name: "vpnauth_totp_replay_total", Help: "TOTP codes rejected as replays."},
	{ID: vpnauth.MetricTOTPEnabled, Name: "vpnauth_totp_enabled_total", Help: "Second factors confirmed."},
	{ID: vpnauth.MetricTOTPDisabled, Name: "vpnauth_totp_disabled_total", Help: "Second factors removed."},
	{ID: vpnauth.MetricRateLimitHit, Name: "vpnauth_rate_limit_hit_total", Help: "Requests denied by the rate limiter."},
	{ID: vpnauth.MetricRateLimitFailOpen, Name: "vpnauth_rate_limit_fail_open_total", Help: "Requests admitted while the rate-limit store was down."},
	{ID: vpnauth.MetricBackendUnavailable, Name: "vpnauth_backend_unavailable_total", Help: "Operations failed closed on a backing-store outage."},
	{ID: vpnauth.MetricBreakerOpened, Name: "vpnauth_breaker_opened_total", Help: "Circuit breaker transitions to open."},
	{ID: vpnauth.MetricAuditDropped, Name: "vpnauth_audit_dropped_total", Help: "Audit events dropped under backpressure."},
}

var HistogramDefs = []HistogramDef{
	{ID: vpnauth.MetricValidateLatency, Name: "vpnauth_validate_latency_seconds", Help: "Access token validation latency."},
	{ID: vpnauth.MetricLoginLatency, Name: "vpnauth_login_latency_seconds", Help: "Login latency, including padding."},
}

// HistogramBounds matches the engine's bucket upper bounds, in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

// BreakerOpen reports 1 unless state is "closed".
func BreakerOpen(state string) int64 {
	if state == "" || state == "closed" {
		return 0
	}
	return 1
}
