package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/vantage/internal/infra/telemetry"
)

type cycleMetrics struct {
	cycles   metric.Int64Counter
	duration metric.Float64Histogram
}

func newCycleMetrics() *cycleMetrics {
	meter := otel.Meter("worker.single")
	m := &cycleMetrics{}
	if counter, err := meter.Int64Counter("vantage_view_cycles",
		metric.WithDescription("View cycles by type and result"),
		metric.WithUnit("{cycle}")); err == nil {
		m.cycles = counter
	}
	if hist, err := meter.Float64Histogram("vantage_view_cycle_duration",
		metric.WithDescription("View cycle execution latency"),
		metric.WithUnit("ms")); err == nil {
		m.duration = hist
	}
	return m
}

func (m *cycleMetrics) record(view, cycleType, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(telemetry.CycleAttributes(view, cycleType, result)...)
	if m.cycles != nil {
		m.cycles.Add(ctx, 1, attrs)
	}
	if m.duration != nil && elapsed > 0 {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

type coordinatorMetrics struct {
	handoffs metric.Int64Counter
}

func newCoordinatorMetrics() *coordinatorMetrics {
	meter := otel.Meter("worker.parallel")
	m := &coordinatorMetrics{}
	if counter, err := meter.Int64Counter("vantage_recompilation_handoffs",
		metric.WithDescription("Secondary workers started, promoted or dropped by the recompilation coordinator"),
		metric.WithUnit("{event}")); err == nil {
		m.handoffs = counter
	}
	return m
}

func (m *coordinatorMetrics) record(policy, reason string) {
	if m == nil || m.handoffs == nil {
		return
	}
	m.handoffs.Add(context.Background(), 1, metric.WithAttributes(telemetry.PolicyAttributes(policy, reason)...))
}
