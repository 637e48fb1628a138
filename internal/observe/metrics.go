// Package observe provides application-wide observability primitives for
// Archon: OpenTelemetry metrics, tracing helpers, and HTTP middleware for the
// operational endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a custom [metric.MeterProvider] backed by a manual reader.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archonhq/archon/internal/resilience"
)

// meterName is the instrumentation scope name used for all Archon metrics.
const meterName = "github.com/archonhq/archon"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use, the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Agent abstraction layer ---

	// AALRequests counts routed model requests. Attributes: provider, model,
	// quality_tier, status.
	AALRequests metric.Int64Counter

	// AALRequestDuration tracks end-to-end model request latency in seconds.
	// Attributes: provider, model.
	AALRequestDuration metric.Float64Histogram

	// AALRequestCost accumulates estimated request cost in USD. Attributes:
	// provider, model.
	AALRequestCost metric.Float64Counter

	// AALTokens counts tokens moved through providers. Attributes: provider,
	// model, direction (input|output).
	AALTokens metric.Int64Counter

	// --- Circuit breakers ---

	// BreakerTransitions counts breaker state changes. Attributes: service,
	// from_state, to_state.
	BreakerTransitions metric.Int64Counter

	// BreakerState reports each breaker's current state as a code: closed 0,
	// half_open 1, open 2. Attributes: service. Fed by [Metrics.ObserveBreakers].
	BreakerState metric.Int64ObservableGauge

	// BreakerFailures reports each breaker's consecutive failure count.
	// Attributes: service. Fed by [Metrics.ObserveBreakers].
	BreakerFailures metric.Int64ObservableGauge

	// --- Event bus ---

	// EventsPublished counts publish attempts. Attributes: event_type,
	// status.
	EventsPublished metric.Int64Counter

	// EventsHandled counts handler invocations. Attributes: event_type,
	// status.
	EventsHandled metric.Int64Counter

	// DLQFailures counts events recorded to the dead letter queue.
	// Attributes: event_type.
	DLQFailures metric.Int64Counter

	// --- Workers ---

	// WorkerRuns counts periodic worker executions. Attributes: worker_name,
	// status.
	WorkerRuns metric.Int64Counter

	// --- Context assembly ---

	// ContextAssemblies counts context assembly outcomes. Attributes:
	// status.
	ContextAssemblies metric.Int64Counter

	// ContextAssemblyDuration tracks assembly latency in seconds.
	ContextAssemblyDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks operational endpoint latency. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries in seconds. The upper
// buckets accommodate slow model providers.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.AALRequests, err = m.Int64Counter("aal.requests",
		metric.WithDescription("Model requests routed through the agent abstraction layer."),
	); err != nil {
		return nil, err
	}
	if met.AALRequestDuration, err = m.Float64Histogram("aal.request.duration",
		metric.WithDescription("End-to-end model request latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AALRequestCost, err = m.Float64Counter("aal.request.cost",
		metric.WithDescription("Estimated model request cost."),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if met.AALTokens, err = m.Int64Counter("aal.tokens",
		metric.WithDescription("Tokens consumed and produced by model requests."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("aal.circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}
	if met.BreakerState, err = m.Int64ObservableGauge("aal.circuit_breaker.state",
		metric.WithDescription("Current circuit breaker state (closed=0, half_open=1, open=2)."),
	); err != nil {
		return nil, err
	}
	if met.BreakerFailures, err = m.Int64ObservableGauge("aal.circuit_breaker.failures",
		metric.WithDescription("Consecutive failures counted by each circuit breaker."),
	); err != nil {
		return nil, err
	}
	if met.EventsPublished, err = m.Int64Counter("archon.events.published",
		metric.WithDescription("Event bus publish attempts."),
	); err != nil {
		return nil, err
	}
	if met.EventsHandled, err = m.Int64Counter("archon.events.handled",
		metric.WithDescription("Event handler invocations."),
	); err != nil {
		return nil, err
	}
	if met.DLQFailures, err = m.Int64Counter("archon.dlq.failures",
		metric.WithDescription("Events recorded to the dead letter queue."),
	); err != nil {
		return nil, err
	}
	if met.WorkerRuns, err = m.Int64Counter("archon.worker.runs",
		metric.WithDescription("Periodic worker executions."),
	); err != nil {
		return nil, err
	}
	if met.ContextAssemblies, err = m.Int64Counter("archon.context.assemblies",
		metric.WithDescription("Context assembly outcomes."),
	); err != nil {
		return nil, err
	}
	if met.ContextAssemblyDuration, err = m.Float64Histogram("archon.context.assembly.duration",
		metric.WithDescription("Context assembly latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("archon.http.request.duration",
		metric.WithDescription("Operational HTTP endpoint latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordAALRequest records one routed model request: count, latency, cost,
// and token volume.
func (m *Metrics) RecordAALRequest(ctx context.Context, provider, model, qualityTier, status string, duration time.Duration, costUSD float64, inputTokens, outputTokens int) {
	labels := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	m.AALRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("quality_tier", qualityTier),
		attribute.String("status", status),
	))
	m.AALRequestDuration.Record(ctx, duration.Seconds(), labels)
	if costUSD > 0 {
		m.AALRequestCost.Add(ctx, costUSD, labels)
	}
	if inputTokens > 0 {
		m.AALTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("direction", "input"),
		))
	}
	if outputTokens > 0 {
		m.AALTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("direction", "output"),
		))
	}
}

// ObserveBreakers registers a collection callback that reports each
// breaker's state and failure count on every scrape. stats is typically
// [resilience.Registry.AllStats].
func (m *Metrics) ObserveBreakers(stats func() map[string]resilience.Stats) error {
	_, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for name, st := range stats() {
			labels := metric.WithAttributes(attribute.String("service", name))
			o.ObserveInt64(m.BreakerState, breakerStateCode(st.State), labels)
			o.ObserveInt64(m.BreakerFailures, int64(st.FailureCount), labels)
		}
		return nil
	}, m.BreakerState, m.BreakerFailures)
	return err
}

// breakerStateCode maps a breaker state name to its gauge value.
func breakerStateCode(state string) int64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(service, from, to string) {
	m.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("from_state", from),
		attribute.String("to_state", to),
	))
}

// EventPublished implements the event bus metrics hook.
func (m *Metrics) EventPublished(ctx context.Context, eventType, status string) {
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("status", status),
	))
}

// EventHandled implements the event bus metrics hook.
func (m *Metrics) EventHandled(ctx context.Context, eventType, status string) {
	m.EventsHandled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("status", status),
	))
}

// RecordDLQFailure implements the dead letter queue metrics hook.
func (m *Metrics) RecordDLQFailure(ctx context.Context, eventType string) {
	m.DLQFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordWorkerRun records one periodic worker execution.
func (m *Metrics) RecordWorkerRun(ctx context.Context, workerName, status string) {
	m.WorkerRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker_name", workerName),
		attribute.String("status", status),
	))
}

// RecordContextAssembly records one context assembly outcome.
func (m *Metrics) RecordContextAssembly(ctx context.Context, status string, duration time.Duration) {
	m.ContextAssemblies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	m.ContextAssemblyDuration.Record(ctx, duration.Seconds())
}
