// Package httpapi is the JSON HTTP surface of the auth service, routed with gorilla/mux.
//
//	POST /auth/login          {login, password, totp_code?}   -> token pair
//	POST /auth/refresh        {refresh_token}                 -> token pair
//	POST /auth/logout         bearer, {refresh_token?}        -> 204
//	POST /auth/logout-all     bearer                          -> 204
//	POST /auth/reauth         bearer, {password}              -> reauth token
//	POST /auth/2fa/setup      bearer, {reauth_token}          -> secret + otpauth URI
//	POST /auth/2fa/confirm    bearer, {code}                  -> 204
//	POST /auth/2fa/disable    bearer, {code}                  -> 204
//	GET  /auth/me             bearer                          -> token identity
//	GET  /metrics, GET /health
//
// Status codes follow [middleware.StatusFor].
package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/MrEthical07/vpnauth"
	"github.com/MrEthical07/vpnauth/internal/observability"
	"github.com/MrEthical07/vpnauth/jwt"
	"github.com/MrEthical07/vpnauth/middleware"
)

// Engine is the subset of *vpnauth.Engine the handlers call.
type Engine interface {
	Login(ctx context.Context, req vpnauth.LoginRequest) (*vpnauth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*vpnauth.TokenPair, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	LogoutAll(ctx context.Context, accessToken string) error
	Reauthenticate(ctx context.Context, accessToken, password string) (*jwt.Issued, error)
	SetupTOTP(ctx context.Context, accessToken, reauthToken string) (*vpnauth.TOTPSetup, error)
	ConfirmTOTP(ctx context.Context, accessToken, code string) error
	DisableTOTP(ctx context.Context, accessToken, code string) error
	ValidateAccess(ctx context.Context, accessToken string) (*vpnauth.AuthResult, error)
	CheckRate(ctx context.Context, class, client string) error
	BreakerState() string
}

// Options configures NewRouter. Zero values are usable.
type Options struct {
	Logger   *slog.Logger
	Metadata middleware.MetadataConfig
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
	// Ready reports dependency health for GET /health. Nil means always ready.
	Ready func(ctx context.Context) error
}

type server struct {
	engine Engine
	logger *slog.Logger
	ready  func(ctx context.Context) error
}

// NewRouter wires every route. The returned handler recovers panics and logs requests.
// Handlers pass the raw bearer token to the engine, which validates it; only /auth/me
// goes through [middleware.Guard].
func NewRouter(engine Engine, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &server{engine: engine, logger: logger, ready: opts.Ready}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})

	limit := func(class string, h http.HandlerFunc) http.Handler {
		return middleware.RateLimit(engine, class)(h)
	}

	auth := r.PathPrefix("/auth").Subrouter()
	auth.Handle("/login", limit(vpnauth.RateClassLogin, s.handleLogin)).Methods(http.MethodPost)
	auth.Handle("/refresh", limit(vpnauth.RateClassRefresh, s.handleRefresh)).Methods(http.MethodPost)
	auth.Handle("/logout", limit(vpnauth.RateClassDefault, s.handleLogout)).Methods(http.MethodPost)
	auth.Handle("/logout-all", limit(vpnauth.RateClassDefault, s.handleLogoutAll)).Methods(http.MethodPost)
	auth.Handle("/reauth", limit(vpnauth.RateClassLogin, s.handleReauth)).Methods(http.MethodPost)
	auth.Handle("/2fa/setup", limit(vpnauth.RateClassTOTP, s.handleTOTPSetup)).Methods(http.MethodPost)
	auth.Handle("/2fa/confirm", limit(vpnauth.RateClassTOTP, s.handleTOTPConfirm)).Methods(http.MethodPost)
	auth.Handle("/2fa/disable", limit(vpnauth.RateClassTOTP, s.handleTOTPDisable)).Methods(http.MethodPost)
	auth.Handle("/me", limit(vpnauth.RateClassDefault, middleware.Guard(engine)(http.HandlerFunc(s.handleMe)).ServeHTTP)).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	// Metadata runs outside the request log so the log line carries the client IP.
	return observability.Recover(logger, middleware.RequestMetadata(opts.Metadata)(observability.RequestLogging(logger, r)))
}
