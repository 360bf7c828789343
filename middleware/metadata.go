package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/MrEthical07/vpnauth"
)

// MetadataConfig controls how the client address is derived.
type MetadataConfig struct {
	// TrustedProxies lists networks whose X-Forwarded-For header is believed. A request
	// from anywhere else is identified by its socket address.
	TrustedProxies []netip.Prefix
}

// RequestMetadata records client IP, User-Agent and Accept-Language on the request
// context. It must run before [RateLimit] and any engine call.
func RequestMetadata(cfg MetadataConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := vpnauth.WithClientIP(r.Context(), cfg.clientIP(r))
			ctx = vpnauth.WithUserAgent(ctx, r.UserAgent())
			ctx = vpnauth.WithAcceptLanguage(ctx, r.Header.Get("Accept-Language"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (cfg MetadataConfig) clientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil || !cfg.trusted(addr) {
		return remote
	}

	// Walk right to left; the first hop that is not one of ours is the client.
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		if !cfg.trusted(hop) {
			return hop.Unmap().String()
		}
	}
	return remote
}

func (cfg MetadataConfig) trusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range cfg.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
