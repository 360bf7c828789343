package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/MrEthical07/vpnauth"
)

// Validator is the part of the engine Guard needs.
type Validator interface {
	ValidateAccess(ctx context.Context, accessToken string) (*vpnauth.AuthResult, error)
}

type authResultContextKey struct{}

func AuthResultFromContext(ctx context.Context) (*vpnauth.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*vpnauth.AuthResult)
	return res, ok
}

// Guard admits requests that carry a valid, unrevoked access token.
func Guard(engine Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				WriteError(w, vpnauth.ErrEngineNotReady)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				WriteError(w, vpnauth.ErrUnauthorized)
				return
			}

			res, err := engine.ValidateAccess(r.Context(), token)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), authResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	const bearer = "bearer "
	value := r.Header.Get("Authorization")
	if len(value) <= len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
