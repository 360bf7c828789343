package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/vpnauth"
)

type fakeSource struct {
	snapshot vpnauth.MetricsSnapshot
	state    string
}

func (f fakeSource) MetricsSnapshot() vpnauth.MetricsSnapshot { return f.snapshot }
func (f fakeSource) BreakerState() string                     { return f.state }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: vpnauth.MetricsSnapshot{
			Counters:   map[vpnauth.MetricID]uint64{},
			Histograms: map[vpnauth.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderIncludesCountersHistogramsAndBreaker(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: vpnauth.MetricsSnapshot{
			Counters: map[vpnauth.MetricID]uint64{
				vpnauth.MetricLoginSuccess:         7,
				vpnauth.MetricRefreshReuseDetected: 1,
				vpnauth.MetricAuditDropped:         2,
			},
			Histograms: map[vpnauth.MetricID][]uint64{
				vpnauth.MetricValidateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		state: "open",
	})

	out := exp.Render()
	for _, want := range []string{
		"vpnauth_login_success_total 7",
		"vpnauth_refresh_reuse_detected_total 1",
		"vpnauth_audit_dropped_total 2",
		`vpnauth_validate_latency_seconds_bucket{le="0.005"} 1`,
		`vpnauth_validate_latency_seconds_bucket{le="+Inf"} 36`,
		`vpnauth_login_latency_seconds_bucket{le="+Inf"} 0`,
		"# TYPE vpnauth_breaker_open gauge",
		"vpnauth_breaker_open 1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestRenderBreakerClosed(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: vpnauth.MetricsSnapshot{Counters: map[vpnauth.MetricID]uint64{vpnauth.MetricLoginSuccess: 1}},
		state:    "closed",
	})
	if !strings.Contains(exp.Render(), "vpnauth_breaker_open 0") {
		t.Fatal("expected closed breaker to render 0")
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: vpnauth.MetricsSnapshot{
			Counters:   map[vpnauth.MetricID]uint64{vpnauth.MetricLoginSuccess: 1},
			Histograms: map[vpnauth.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewExporter(fakeSource{
		snapshot: vpnauth.MetricsSnapshot{
			Counters: map[vpnauth.MetricID]uint64{
				vpnauth.MetricLoginSuccess:   1000,
				vpnauth.MetricLoginFailure:   40,
				vpnauth.MetricRefreshSuccess: 800,
				vpnauth.MetricRefreshFailure: 10,
				vpnauth.MetricTokenRevoked:   20,
				vpnauth.MetricTOTPFailure:    3,
			},
			Histograms: map[vpnauth.MetricID][]uint64{
				vpnauth.MetricValidateLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
		state: "closed",
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
