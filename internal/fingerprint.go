package internal

import (
	"encoding/hex"
	"net"
	"strings"

	"github.com/zeebo/blake3"
)

var fingerprintDomain = []byte("vpnauth.client.fingerprint.v1\x00")

// ClientFingerprint hashes the request metadata a refresh token is bound to. Fields are
// NUL-separated so shifting bytes between them changes the digest. The IP is canonicalized
// so "::ffff:10.0.0.1" and "10.0.0.1" agree.
func ClientFingerprint(userAgent, clientIP, acceptLanguage string) string {
	h := blake3.New()
	_, _ = h.Write(fingerprintDomain)
	_, _ = h.Write([]byte(strings.TrimSpace(userAgent)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(canonicalIP(clientIP)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(acceptLanguage))))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	if ip := net.ParseIP(raw); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return raw
}
