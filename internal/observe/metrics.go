// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. The server
// builds them with [InitTelemetry], which bridges them to a Prometheus
// registry scraped from /metrics. [DefaultMetrics] backs components
// constructed without explicit metrics; tests use [NewMetrics] with a
// manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Degradation kinds recorded by [Metrics.RecordDegradation]. Each names a
// failure that was recovered locally instead of failing the turn.
const (
	DegradedCompaction     = "compaction"
	DegradedNormalization  = "normalization"
	DegradedPhaseSelection = "phase_selection"
	DegradedPhaseMarker    = "phase_marker"
	DegradedRetrieval      = "retrieval"
	DegradedCircuitOpen    = "circuit_open"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// LLMDuration tracks LLM call latency. Use with attribute:
	//   attribute.String("stage", ...): reply, summary, normalize, planner, executor
	LLMDuration metric.Float64Histogram

	// RetrievalDuration tracks guidance lookup latency.
	RetrievalDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Turns counts completed turns by mode (chat, negotiate) and status.
	Turns metric.Int64Counter

	// Compactions counts compaction attempts by status.
	Compactions metric.Int64Counter

	// PhaseTransitions counts planner decisions by direction
	// (hold, advance, regress).
	PhaseTransitions metric.Int64Counter

	// Degradations counts recovered failures by kind.
	Degradations metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// remote model calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.LLMDuration, err = m.Float64Histogram("parley.llm.duration",
		metric.WithDescription("Latency of LLM calls by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("parley.retrieval.duration",
		metric.WithDescription("Latency of guidance retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parley.turns",
		metric.WithDescription("Total turns by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.Compactions, err = m.Int64Counter("parley.compactions",
		metric.WithDescription("Total history compaction attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.PhaseTransitions, err = m.Int64Counter("parley.phase.transitions",
		metric.WithDescription("Planner phase decisions by direction."),
	); err != nil {
		return nil, err
	}
	if met.Degradations, err = m.Int64Counter("parley.degradations",
		metric.WithDescription("Recovered sub-call failures by kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObserveSessions registers an asynchronous gauge reporting the number of
// stored sessions as returned by count.
func (m *Metrics) ObserveSessions(count func() int) error {
	_, err := m.meter.Int64ObservableGauge("parley.sessions",
		metric.WithDescription("Number of sessions held in the store."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}),
	)
	return err
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Status maps an error to the "ok"/"error" status attribute value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordProviderRequest records a provider request counter increment.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordLLMCall records the latency of one LLM call made by stage.
func (m *Metrics) RecordLLMCall(ctx context.Context, stage string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, mode string, err error) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", Status(err)),
		),
	)
}

// RecordCompaction records one compaction attempt.
func (m *Metrics) RecordCompaction(ctx context.Context, err error) {
	m.Compactions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", Status(err))))
}

// RecordPhaseTransition records a planner decision moving from one phase
// index to another.
func (m *Metrics) RecordPhaseTransition(ctx context.Context, from, to int) {
	dir := "hold"
	switch {
	case to > from:
		dir = "advance"
	case to < from:
		dir = "regress"
	}
	m.PhaseTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", dir)))
}

// RecordDegradation records a failure that was recovered locally.
func (m *Metrics) RecordDegradation(ctx context.Context, kind string) {
	m.Degradations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
