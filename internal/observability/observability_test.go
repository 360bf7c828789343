package observability

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/vpnauth"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestRequestLoggingRecordsStatusAndIP(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info")
	h := RequestLogging(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"password":"secret-pw"}`))
	req = req.WithContext(vpnauth.WithClientIP(req.Context(), "203.0.113.7"))
	req.Header.Set("Authorization", "Bearer tok-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	require.Contains(t, out, `"status":418`)
	require.Contains(t, out, `"ip":"203.0.113.7"`)
	require.NotContains(t, out, "secret-pw")
	require.NotContains(t, out, "tok-123")
}

func TestRecoverReturns500(t *testing.T) {
	var buf bytes.Buffer
	h := Recover(NewLogger(&buf, "info"), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, buf.String(), "panic_recovered")
}
