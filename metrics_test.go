package taskgate

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricLoginSuccess)

	if got := m.Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMetricsNilIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricAdmitAllowed)
	m.Observe(MetricRotateLatency, time.Millisecond)
	if m.Enabled() || m.Value(MetricAdmitAllowed) != 0 {
		t.Fatal("nil metrics should record nothing")
	}
	if len(m.Snapshot().Counters) != 0 {
		t.Fatal("nil snapshot should be empty")
	}
}

func TestMetricsAdd(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Add(MetricFamilyTokensRevoked, 3)
	m.Add(MetricFamilyTokensRevoked, 0)
	m.Add(MetricFamilyTokensRevoked, -2)

	if got := m.Value(MetricFamilyTokensRevoked); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricAdmitAllowed)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricAdmitAllowed); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	for _, d := range []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	} {
		m.Observe(MetricRotateLatency, d)
	}
	m.Observe(MetricLoginSuccess, time.Millisecond)

	snap := m.Snapshot()
	if got, want := snap.HistogramSums[MetricRotateLatency], 1640*time.Millisecond; got != want {
		t.Fatalf("expected sum %s, got %s", want, got)
	}
	buckets := snap.Histograms[MetricRotateLatency]
	if len(buckets) != histBucketCount {
		t.Fatalf("expected %d buckets, got %d", histBucketCount, len(buckets))
	}
	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
}

func TestMetricsSnapshotOmitsHistogramIDFromCounters(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricRotateSuccess)

	snap := m.Snapshot()
	if snap.Counters[MetricRotateSuccess] != 1 {
		t.Fatalf("expected rotate success 1, got %d", snap.Counters[MetricRotateSuccess])
	}
	if _, ok := snap.Counters[MetricRotateLatency]; ok {
		t.Fatal("latency id must not appear as a counter")
	}
	if _, ok := snap.Histograms[MetricRotateLatency]; ok {
		t.Fatal("histograms disabled but present")
	}
}
