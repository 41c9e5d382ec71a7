package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWith returns the value of the int64 sum data point carrying key=value,
// and whether one was found.
func sumWith(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestRecordLLMCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLLMCall(ctx, "planner", 120*time.Millisecond)
	m.RecordLLMCall(ctx, "planner", 80*time.Millisecond)

	met := findMetric(collect(t, reader), "parley.llm.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
		t.Errorf("data points = %+v, want one point with count 2", hist.DataPoints)
	}
}

func TestRecordTurn(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "chat", nil)
	m.RecordTurn(ctx, "chat", nil)
	m.RecordTurn(ctx, "chat", errors.New("boom"))

	rm := collect(t, reader)
	if v, ok := sumWith(t, rm, "parley.turns", "status", "ok"); !ok || v != 2 {
		t.Errorf("ok turns = %d (found %v), want 2", v, ok)
	}
	if v, ok := sumWith(t, rm, "parley.turns", "status", "error"); !ok || v != 1 {
		t.Errorf("error turns = %d (found %v), want 1", v, ok)
	}
}

func TestRecordPhaseTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPhaseTransition(ctx, 0, 1)
	m.RecordPhaseTransition(ctx, 1, 1)
	m.RecordPhaseTransition(ctx, 2, 0)
	m.RecordPhaseTransition(ctx, 3, 4)

	rm := collect(t, reader)
	for dir, want := range map[string]int64{"advance": 2, "hold": 1, "regress": 1} {
		if v, _ := sumWith(t, rm, "parley.phase.transitions", "direction", dir); v != want {
			t.Errorf("%s = %d, want %d", dir, v, want)
		}
	}
}

func TestRecordDegradationAndCompaction(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDegradation(ctx, DegradedRetrieval)
	m.RecordCompaction(ctx, nil)
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderError(ctx, "openai", "llm")

	rm := collect(t, reader)
	if v, _ := sumWith(t, rm, "parley.degradations", "kind", DegradedRetrieval); v != 1 {
		t.Errorf("retrieval degradations = %d, want 1", v)
	}
	if v, _ := sumWith(t, rm, "parley.compactions", "status", "ok"); v != 1 {
		t.Errorf("compactions = %d, want 1", v)
	}
	if v, _ := sumWith(t, rm, "parley.provider.requests", "provider", "openai"); v != 1 {
		t.Errorf("provider requests = %d, want 1", v)
	}
	if v, _ := sumWith(t, rm, "parley.provider.errors", "kind", "llm"); v != 1 {
		t.Errorf("provider errors = %d, want 1", v)
	}
}

func TestObserveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	n := 3
	if err := m.ObserveSessions(func() int { return n }); err != nil {
		t.Fatalf("ObserveSessions: %v", err)
	}

	met := findMetric(collect(t, reader), "parley.sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	g, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not an int64 gauge")
	}
	if len(g.DataPoints) != 1 || g.DataPoints[0].Value != 3 {
		t.Errorf("gauge = %+v, want 3", g.DataPoints)
	}
}

func TestStatus(t *testing.T) {
	if Status(nil) != "ok" || Status(errors.New("x")) != "error" {
		t.Error("Status mapping wrong")
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
