package middleware

import (
	"context"
	"net/http"

	"github.com/MrEthical07/vpnauth"
)

// RateChecker is the part of the engine RateLimit needs.
type RateChecker interface {
	CheckRate(ctx context.Context, class, client string) error
}

// RateLimit charges each request to class against the caller's IP. Over-budget requests
// get 429 with Retry-After; a down counter store gets 503 unless the engine fails open.
func RateLimit(engine RateChecker, class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				WriteError(w, vpnauth.ErrEngineNotReady)
				return
			}
			if err := engine.CheckRate(r.Context(), class, vpnauth.ClientIP(r.Context())); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
