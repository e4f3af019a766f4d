package compilation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/vantage/internal/infra/telemetry"
)

type cacheMetrics struct {
	lookups metric.Int64Counter
}

func newCacheMetrics() *cacheMetrics {
	meter := otel.Meter("compilation.cache")
	m := &cacheMetrics{}
	if counter, err := meter.Int64Counter("vantage_compiled_view_cache_lookups",
		metric.WithDescription("Compiled view cache lookups by result"),
		metric.WithUnit("{lookup}")); err == nil {
		m.lookups = counter
	}
	return m
}

func (m *cacheMetrics) hit()  { m.record("hit") }
func (m *cacheMetrics) miss() { m.record("miss") }

func (m *cacheMetrics) record(result string) {
	if m == nil || m.lookups == nil {
		return
	}
	m.lookups.Add(context.Background(), 1, metric.WithAttributes(telemetry.CacheAttributes("compiled_view", result)...))
}

type compileMetrics struct {
	compiles metric.Int64Counter
	duration metric.Float64Histogram
}

func newCompileMetrics() *compileMetrics {
	meter := otel.Meter("compilation.session")
	m := &compileMetrics{}
	if counter, err := meter.Int64Counter("vantage_view_compilations",
		metric.WithDescription("View compilations by kind"),
		metric.WithUnit("{compilation}")); err == nil {
		m.compiles = counter
	}
	if hist, err := meter.Float64Histogram("vantage_view_compilation_duration",
		metric.WithDescription("Time spent obtaining a compiled view"),
		metric.WithUnit("ms")); err == nil {
		m.duration = hist
	}
	return m
}

func (m *compileMetrics) record(ctx context.Context, view, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.CompileAttributes(view, kind)...)
	if m.compiles != nil {
		m.compiles.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}
