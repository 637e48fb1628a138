package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/archonhq/archon/internal/resilience"
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

// sumByAttr returns the total of all data points carrying the given
// attribute value on an int64 sum metric.
func sumByAttr(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricsCreatesAllInstruments(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m.AALRequests == nil || m.AALRequestDuration == nil || m.AALRequestCost == nil ||
		m.AALTokens == nil || m.BreakerTransitions == nil ||
		m.BreakerState == nil || m.BreakerFailures == nil ||
		m.EventsPublished == nil || m.EventsHandled == nil || m.DLQFailures == nil ||
		m.WorkerRuns == nil || m.ContextAssemblies == nil ||
		m.ContextAssemblyDuration == nil || m.HTTPRequestDuration == nil {
		t.Fatal("NewMetrics left an instrument nil")
	}
}

func TestRecordAALRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAALRequest(ctx, "openai", "gpt-4o", "high", "success", 1200*time.Millisecond, 0.0031, 400, 150)
	m.RecordAALRequest(ctx, "openai", "gpt-4o", "high", "error", 300*time.Millisecond, 0, 0, 0)

	rm := collect(t, reader)

	requests := findMetric(rm, "aal.requests")
	if requests == nil {
		t.Fatal("aal.requests not found")
	}
	if got := sumByAttr(t, requests, "status", "success"); got != 1 {
		t.Errorf("success requests = %d, want 1", got)
	}
	if got := sumByAttr(t, requests, "status", "error"); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}
	if got := sumByAttr(t, requests, "quality_tier", "high"); got != 2 {
		t.Errorf("high-tier requests = %d, want 2", got)
	}

	tokens := findMetric(rm, "aal.tokens")
	if tokens == nil {
		t.Fatal("aal.tokens not found")
	}
	if got := sumByAttr(t, tokens, "direction", "input"); got != 400 {
		t.Errorf("input tokens = %d, want 400", got)
	}
	if got := sumByAttr(t, tokens, "direction", "output"); got != 150 {
		t.Errorf("output tokens = %d, want 150", got)
	}

	cost := findMetric(rm, "aal.request.cost")
	if cost == nil {
		t.Fatal("aal.request.cost not found")
	}
	costSum, ok := cost.Data.(metricdata.Sum[float64])
	if !ok {
		t.Fatalf("cost data is %T, want Sum[float64]", cost.Data)
	}
	var totalCost float64
	for _, dp := range costSum.DataPoints {
		totalCost += dp.Value
	}
	if totalCost != 0.0031 {
		t.Errorf("total cost = %v, want 0.0031", totalCost)
	}

	duration := findMetric(rm, "aal.request.duration")
	if duration == nil {
		t.Fatal("aal.request.duration not found")
	}
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data is %T, want Histogram[float64]", duration.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("duration observations = %d, want 2", count)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordBreakerTransition("provider:openai", "closed", "open")
	m.RecordBreakerTransition("provider:openai", "open", "half_open")

	rm := collect(t, reader)
	transitions := findMetric(rm, "aal.circuit_breaker.transitions")
	if transitions == nil {
		t.Fatal("aal.circuit_breaker.transitions not found")
	}
	if got := sumByAttr(t, transitions, "to_state", "open"); got != 1 {
		t.Errorf("transitions to open = %d, want 1", got)
	}
	if got := sumByAttr(t, transitions, "service", "provider:openai"); got != 2 {
		t.Errorf("transitions for provider:openai = %d, want 2", got)
	}
}

// gaugeByAttr returns the latest value of the data point carrying the given
// attribute value on an int64 gauge metric.
func gaugeByAttr(t *testing.T, m *metricdata.Metrics, key, value string) (int64, bool) {
	t.Helper()
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("metric %s is %T, want Gauge[int64]", m.Name, m.Data)
	}
	for _, dp := range gauge.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestObserveBreakers(t *testing.T) {
	m, reader := newTestMetrics(t)

	registry := resilience.NewRegistry(resilience.Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		SuccessThreshold: 1,
	})
	registry.Get("provider:openai").RecordFailure()
	registry.Get("record_store").RecordSuccess()

	if err := m.ObserveBreakers(registry.AllStats); err != nil {
		t.Fatalf("ObserveBreakers: %v", err)
	}

	rm := collect(t, reader)
	state := findMetric(rm, "aal.circuit_breaker.state")
	if state == nil {
		t.Fatal("aal.circuit_breaker.state not found")
	}
	if got, ok := gaugeByAttr(t, state, "service", "provider:openai"); !ok || got != 2 {
		t.Errorf("open breaker state = %d (found %v), want 2", got, ok)
	}
	if got, ok := gaugeByAttr(t, state, "service", "record_store"); !ok || got != 0 {
		t.Errorf("closed breaker state = %d (found %v), want 0", got, ok)
	}

	failures := findMetric(rm, "aal.circuit_breaker.failures")
	if failures == nil {
		t.Fatal("aal.circuit_breaker.failures not found")
	}
	if got, ok := gaugeByAttr(t, failures, "service", "provider:openai"); !ok || got != 1 {
		t.Errorf("breaker failures = %d (found %v), want 1", got, ok)
	}
}

func TestRecordDLQFailure(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDLQFailure(ctx, "agent.request.completed")
	m.RecordDLQFailure(ctx, "agent.request.completed")

	rm := collect(t, reader)
	failures := findMetric(rm, "archon.dlq.failures")
	if failures == nil {
		t.Fatal("archon.dlq.failures not found")
	}
	if got := sumByAttr(t, failures, "event_type", "agent.request.completed"); got != 2 {
		t.Errorf("dlq failures = %d, want 2", got)
	}
}

func TestEventBusHooks(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.EventPublished(ctx, "memory.session.created", "ok")
	m.EventHandled(ctx, "memory.session.created", "ok")
	m.EventHandled(ctx, "memory.session.created", "error")

	rm := collect(t, reader)
	published := findMetric(rm, "archon.events.published")
	if published == nil {
		t.Fatal("archon.events.published not found")
	}
	if got := sumByAttr(t, published, "status", "ok"); got != 1 {
		t.Errorf("published ok = %d, want 1", got)
	}
	handled := findMetric(rm, "archon.events.handled")
	if handled == nil {
		t.Fatal("archon.events.handled not found")
	}
	if got := sumByAttr(t, handled, "status", "error"); got != 1 {
		t.Errorf("handled error = %d, want 1", got)
	}
}

func TestRecordWorkerRunAndContextAssembly(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordWorkerRun(ctx, "memory_consolidator", "success")
	m.RecordWorkerRun(ctx, "memory_consolidator", "error")
	m.RecordContextAssembly(ctx, "healthy", 80*time.Millisecond)
	m.RecordContextAssembly(ctx, "degraded", 120*time.Millisecond)

	rm := collect(t, reader)
	runs := findMetric(rm, "archon.worker.runs")
	if runs == nil {
		t.Fatal("archon.worker.runs not found")
	}
	if got := sumByAttr(t, runs, "worker_name", "memory_consolidator"); got != 2 {
		t.Errorf("worker runs = %d, want 2", got)
	}

	assemblies := findMetric(rm, "archon.context.assemblies")
	if assemblies == nil {
		t.Fatal("archon.context.assemblies not found")
	}
	if got := sumByAttr(t, assemblies, "status", "degraded"); got != 1 {
		t.Errorf("degraded assemblies = %d, want 1", got)
	}
}
