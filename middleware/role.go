package middleware

import (
	"net/http"
	"slices"

	"github.com/MrEthical07/vpnauth"
)

// RequireRole must run after [Guard]. It rejects callers whose token role is not in
// roles with 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := AuthResultFromContext(r.Context())
			if !ok {
				WriteError(w, vpnauth.ErrUnauthorized)
				return
			}
			if !slices.Contains(roles, res.Role) {
				WriteJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
