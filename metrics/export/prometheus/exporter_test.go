package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/taskgate"
)

type fakeSource struct {
	snapshot taskgate.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() taskgate.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                      { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: taskgate.MetricsSnapshot{
			Counters:   map[taskgate.MetricID]uint64{},
			Histograms: map[taskgate.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderIncludesCounterAndHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: taskgate.MetricsSnapshot{
			Counters: map[taskgate.MetricID]uint64{
				taskgate.MetricRotateReuseDetected: 3,
				taskgate.MetricAdmitRejected:       9,
			},
			Histograms: map[taskgate.MetricID][]uint64{
				taskgate.MetricRotateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
			HistogramSums: map[taskgate.MetricID]time.Duration{
				taskgate.MetricRotateLatency: 1500 * time.Millisecond,
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	for _, want := range []string{
		"taskgate_rotate_reuse_detected_total 3",
		"taskgate_admit_rejected_total 9",
		"taskgate_rotate_success_total 0",
		`taskgate_rotate_latency_seconds_bucket{le="0.005"} 1`,
		`taskgate_rotate_latency_seconds_bucket{le="+Inf"} 36`,
		"taskgate_rotate_latency_seconds_count 36",
		"taskgate_rotate_latency_seconds_sum 1.5",
		"taskgate_audit_dropped_total 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: taskgate.MetricsSnapshot{
			Counters: map[taskgate.MetricID]uint64{taskgate.MetricLoginSuccess: 1, taskgate.MetricLogout: 4},
		},
	})
	if a, b := exp.Render(), exp.Render(); a != b {
		t.Fatalf("render output changed between calls:\n%s\n---\n%s", a, b)
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: taskgate.MetricsSnapshot{
			Counters:   map[taskgate.MetricID]uint64{taskgate.MetricLoginSuccess: 1},
			Histograms: map[taskgate.MetricID][]uint64{},
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
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: taskgate.MetricsSnapshot{
			Counters: map[taskgate.MetricID]uint64{
				taskgate.MetricAdmitAllowed:        10000,
				taskgate.MetricAdmitRejected:       40,
				taskgate.MetricRotateSuccess:       800,
				taskgate.MetricRotateReuseDetected: 2,
				taskgate.MetricLoginSuccess:        300,
			},
			Histograms: map[taskgate.MetricID][]uint64{
				taskgate.MetricRotateLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
