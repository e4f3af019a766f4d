// Package telemetry configures the OpenTelemetry meter provider for the view processor.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/coachpo/vantage/internal/infra/config"
	infratel "github.com/coachpo/vantage/internal/infra/telemetry"
)

const (
	defaultServiceName    = "vantage-viewproc"
	serviceNamespace      = "vantage"
	defaultExportInterval = 15 * time.Second
	latencyInstruments    = "vantage_*_duration"
)

// latencyBuckets bound cycle and compilation latencies, in milliseconds.
var latencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000}

// Providers groups telemetry provider handles.
type Providers struct {
	MeterProvider apimetric.MeterProvider
	// Resource is nil for the noop provider.
	Resource *resource.Resource
}

// Init installs an OTLP/HTTP meter provider for the scheduler's instruments,
// or the noop provider when metrics are off or no endpoint is set. The
// environment label comes from the infra telemetry package, so callers set
// it first.
func Init(ctx context.Context, cfg config.TelemetryConfig) (Providers, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" || !cfg.EnableMetrics {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return Providers{MeterProvider: mp}, func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, endpoint, cfg.OTLPInsecure)
	if err != nil {
		return Providers{}, nil, err
	}
	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return Providers{}, nil, fmt.Errorf("create resource: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(latencyView()),
	)
	otel.SetMeterProvider(mp)
	return Providers{MeterProvider: mp, Resource: res}, mp.Shutdown, nil
}

func newExporter(ctx context.Context, endpoint string, forceInsecure bool) (sdkmetric.Exporter, error) {
	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure || forceInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return exporter, nil
}

// newResource describes this process: one view processor instance inside the
// vantage namespace.
func newResource(ctx context.Context, service string) (*resource.Resource, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		service = defaultServiceName
	}
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(service),
		semconv.ServiceNamespace(serviceNamespace),
		semconv.ServiceInstanceID(uuid.NewString()),
		semconv.DeploymentEnvironment(infratel.Environment()),
	))
}

// latencyView buckets every vantage duration histogram the same way so cycle
// and compile latencies can be compared.
func latencyView() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: latencyInstruments, Kind: sdkmetric.InstrumentKindHistogram},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: latencyBuckets}},
	)
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	return host, parsed.Scheme != "https", nil
}
