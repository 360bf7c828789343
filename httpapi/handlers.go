package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/vpnauth"
	"github.com/MrEthical07/vpnauth/middleware"
)

const maxBodyBytes = 64 << 10

var errBadRequest = errors.New("invalid request body")

type errorResponse struct {
	Error string `json:"error"`
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type reauthRequest struct {
	Password string `json:"password"`
}

type totpSetupRequest struct {
	ReauthToken string `json:"reauth_token"`
}

type totpCodeRequest struct {
	Code string `json:"code"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type reauthResponse struct {
	ReauthToken string    `json:"reauth_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type totpSetupResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURI string `json:"otpauth_uri"`
}

type meResponse struct {
	AccountID string    `json:"account_id"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Breaker string `json:"breaker"`
}

func pairResponse(p *vpnauth.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

// decode reads a JSON body. An empty body decodes to the zero value when optional.
func decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return errBadRequest
	}
	return nil
}

func (s *server) badRequest(w http.ResponseWriter, msg string) {
	middleware.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// fail renders err and logs anything that is not an expected client-facing outcome.
func (s *server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, _ := middleware.StatusFor(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
		s.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("op", op), slog.Int("status", status), slog.Any("err", err))
	}
	middleware.WriteError(w, err)
}

func (s *server) bearer(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		middleware.WriteError(w, vpnauth.ErrUnauthorized)
	}
	return token, ok
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req, false); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.Login) == "" || req.Password == "" {
		s.badRequest(w, "login and password are required")
		return
	}

	pair, err := s.engine.Login(r.Context(), vpnauth.LoginRequest{
		Login:    req.Login,
		Password: req.Password,
		TOTPCode: strings.TrimSpace(req.TOTPCode),
	})
	if err != nil {
		s.fail(w, r, "login", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, pairResponse(pair))
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(w, r, &req, false); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if req.RefreshToken == "" {
		s.badRequest(w, "refresh_token is required")
		return
	}

	pair, err := s.engine.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.fail(w, r, "refresh", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, pairResponse(pair))
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := s.bearer(w, r)
	if !ok {
		return
	}
	var req refreshRequest
	if err := decode(w, r, &req, true); err != nil {
		s.badRequest(w, err.Error())
		return
	}

	if err := s.engine.Logout(r.Context(), token, req.RefreshToken); err != nil {
		s.fail(w, r, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	token, ok := s.bearer(w, r)
	if !ok {
		return
	}
	if err := s.engine.LogoutAll(r.Context(), token); err != nil {
		s.fail(w, r, "logout_all", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleReauth(w http.ResponseWriter, r *http.Request) {
	token, ok := s.bearer(w, r)
	if !ok {
		return
	}
	var req reauthRequest
	if err := decode(w, r, &req, false); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if req.Password == "" {
		s.badRequest(w, "password is required")
		return
	}

	issued, err := s.engine.Reauthenticate(r.Context(), token, req.Password)
	if err != nil {
		s.fail(w, r, "reauth", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, reauthResponse{ReauthToken: issued.Token, ExpiresAt: issued.ExpiresAt})
}

func (s *server) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	token, ok := s.bearer(w, r)
	if !ok {
		return
	}
	var req totpSetupRequest
	if err := decode(w, r, &req, false); err != nil {
		s.badRequest(w, err.Error())
		return
	}

	setup, err := s.engine.SetupTOTP(r.Context(), token, req.ReauthToken)
	if err != nil {
		s.fail(w, r, "totp_setup", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, totpSetupResponse{Secret: setup.Secret, OTPAuthURI: setup.URI})
}

func (s *server) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	s.handleTOTPCode(w, r, "totp_confirm", s.engine.ConfirmTOTP)
}

func (s *server) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	s.handleTOTPCode(w, r, "totp_disable", s.engine.DisableTOTP)
}

func (s *server) handleTOTPCode(w http.ResponseWriter, r *http.Request, op string, call func(ctx context.Context, accessToken, code string) error) {
	token, ok := s.bearer(w, r)
	if !ok {
		return
	}
	var req totpCodeRequest
	if err := decode(w, r, &req, false); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		s.badRequest(w, "code is required")
		return
	}

	if err := call(r.Context(), token, code); err != nil {
		s.fail(w, r, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	res, ok := middleware.AuthResultFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, vpnauth.ErrUnauthorized)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, meResponse{AccountID: res.AccountID, Role: res.Role, ExpiresAt: res.ExpiresAt})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Breaker: s.engine.BreakerState()}
	status := http.StatusOK
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", slog.Any("err", err))
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	if resp.Status == "ok" && resp.Breaker != "closed" {
		resp.Status = "degraded"
	}
	middleware.WriteJSON(w, status, resp)
}
