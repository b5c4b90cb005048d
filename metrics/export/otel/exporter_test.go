package otel

import (
	"context"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrEthical07/sessionguard/metrics"
)

type fakeSource struct {
	m       *metrics.Metrics
	mu      sync.RWMutex
	dropped uint64
}

func (f *fakeSource) MetricsSnapshot() metrics.Snapshot { return f.m.Snapshot() }

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func findSum(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && len(sum.DataPoints) > 0 {
				return sum.DataPoints[0].Value, true
			}
		}
	}
	return 0, false
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("sessionguard-test")

	m := metrics.New(metrics.Config{Enabled: true, EnableLatencyHistograms: true})
	m.Inc(metrics.FamilyCompromised)
	m.Inc(metrics.FamilyCompromised)
	m.Observe(metrics.DetectionLatency, 0)
	src := &fakeSource{m: m, dropped: 1}

	exp, err := NewExporter(meter, src)
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	got, ok := findSum(rm, "sessionguard_family_compromised_total")
	if !ok || got != 2 {
		t.Fatalf("expected family_compromised=2, got %d (found=%v)", got, ok)
	}
	dropped, ok := findSum(rm, "sessionguard_audit_dropped_total")
	if !ok || dropped != 1 {
		t.Fatalf("expected audit_dropped=1, got %d (found=%v)", dropped, ok)
	}
}

func TestExporterRejectsNilArgs(t *testing.T) {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	if _, err := NewExporter(provider.Meter("x"), nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewExporter(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	src := &fakeSource{m: metrics.New(metrics.Config{Enabled: true})}

	exp, err := NewExporter(provider.Meter("sessionguard-test"), src)
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}
	defer exp.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src.m.Inc(metrics.RateLimitHit)
			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}()
	}
	wg.Wait()
}
