package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/sessionguard/metrics"
)

type fakeSource struct {
	snapshot metrics.Snapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() metrics.Snapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64              { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewExporter(fakeSource{snapshot: metrics.New(metrics.Config{}).Snapshot()})
	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderIncludesCountersAndHistogram(t *testing.T) {
	m := metrics.New(metrics.Config{Enabled: true, EnableLatencyHistograms: true})
	for i := 0; i < 7; i++ {
		m.Inc(metrics.ReplayDetected)
	}
	m.Observe(metrics.RotationLatency, 0)
	m.Observe(metrics.RotationLatency, 0)

	out := NewExporter(fakeSource{snapshot: m.Snapshot(), dropped: 2}).Render()
	for _, want := range []string{
		"sessionguard_replay_detected_total 7",
		"# TYPE sessionguard_rotation_latency_seconds histogram",
		`sessionguard_rotation_latency_seconds_bucket{le="0.005"} 2`,
		`sessionguard_rotation_latency_seconds_bucket{le="+Inf"} 2`,
		"sessionguard_rotation_latency_seconds_count 2",
		"sessionguard_audit_dropped_total 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	m := metrics.New(metrics.Config{Enabled: true})
	m.Inc(metrics.RateLimitHit)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	NewExporter(fakeSource{snapshot: m.Snapshot()}).Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sessionguard_rate_limit_hit_total 1") {
		t.Fatalf("missing counter:\n%s", rec.Body.String())
	}
}
