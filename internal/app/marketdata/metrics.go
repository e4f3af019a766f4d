package marketdata

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/vantage/internal/infra/telemetry"
)

type metrics struct {
	calls     metric.Int64Counter
	retried   metric.Int64Counter
	abandoned metric.Int64Counter
	states    metric.Int64Gauge
}

func newMetrics() *metrics {
	meter := otel.Meter("marketdata.subscriptions")
	m := &metrics{}
	if counter, err := meter.Int64Counter("vantage_marketdata_provider_calls",
		metric.WithDescription("Batched provider subscribe/unsubscribe calls by result"),
		metric.WithUnit("{call}")); err == nil {
		m.calls = counter
	}
	if counter, err := meter.Int64Counter("vantage_marketdata_subscriptions_retried",
		metric.WithDescription("Pending subscriptions re-requested by the monitor"),
		metric.WithUnit("{subscription}")); err == nil {
		m.retried = counter
	}
	if counter, err := meter.Int64Counter("vantage_marketdata_subscriptions_abandoned",
		metric.WithDescription("Pending subscriptions given up after the abandonment threshold"),
		metric.WithUnit("{subscription}")); err == nil {
		m.abandoned = counter
	}
	if gauge, err := meter.Int64Gauge("vantage_marketdata_subscriptions",
		metric.WithDescription("Ledger entries by state"),
		metric.WithUnit("{subscription}")); err == nil {
		m.states = gauge
	}
	return m
}

func (m *metrics) recordCall(ctx context.Context, op operation, err error) {
	if m == nil || m.calls == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(string(op), result)...))
}

func (m *metrics) recordRetried(ctx context.Context, n int) {
	if m == nil || m.retried == nil || n == 0 {
		return
	}
	m.retried.Add(ctx, int64(n), metric.WithAttributes(telemetry.SubscriptionAttributes(StatePending.String())...))
}

func (m *metrics) recordAbandoned(ctx context.Context, n int) {
	if m == nil || m.abandoned == nil || n == 0 {
		return
	}
	m.abandoned.Add(ctx, int64(n), metric.WithAttributes(telemetry.SubscriptionAttributes(StateFailed.String())...))
}

func (m *metrics) recordStates(ctx context.Context, l *Ledger) {
	if m == nil || m.states == nil {
		return
	}
	for s := StatePending; s < stateCount; s++ {
		m.states.Record(ctx, int64(l.Count(s)), metric.WithAttributes(telemetry.SubscriptionAttributes(s.String())...))
	}
}
