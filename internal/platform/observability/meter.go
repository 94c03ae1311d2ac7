package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// MeterProvider hands out per-component meters and owns the exporters
type MeterProvider interface {
	Meter(name string) Meter
	Shutdown(ctx context.Context) error

	// Handler serves the Prometheus scrape endpoint, or 404 when the
	// Prometheus exporter is not configured
	Handler() http.Handler
}

// Meter creates instruments for one component
type Meter interface {
	Counter(name, description string) Counter
	Gauge(name, description string) Gauge
	Histogram(name, description string, buckets ...float64) Histogram
}

// Counter only goes up
type Counter interface {
	Add(ctx context.Context, value int64, attrs ...attribute.KeyValue)
	Inc(ctx context.Context, attrs ...attribute.KeyValue)
}

// Gauge records the latest value
type Gauge interface {
	Record(ctx context.Context, value int64, attrs ...attribute.KeyValue)
}

// Histogram records a distribution
type Histogram interface {
	Record(ctx context.Context, value float64, attrs ...attribute.KeyValue)
	RecordDuration(ctx context.Context, start time.Time, attrs ...attribute.KeyValue)
}

// MetricExporter selects a metric backend
type MetricExporter string

const (
	ExporterPrometheus MetricExporter = "prometheus"
	ExporterOTLP       MetricExporter = "otlp"
)

// MeterProviderConfig configures NewMeterProvider. With no exporters a
// Prometheus exporter is installed.
type MeterProviderConfig struct {
	ServiceName string
	Version     string
	Exporters   []MetricExporter
	// OTLPEndpoint is a gRPC endpoint URL, used by ExporterOTLP
	OTLPEndpoint string
	OTLPInsecure bool
}

type otelMeterProvider struct {
	provider   *sdkmetric.MeterProvider
	prometheus bool
}

// NewMeterProvider builds an OpenTelemetry meter provider and installs it
// as the global one
func NewMeterProvider(ctx context.Context, cfg MeterProviderConfig) (MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporters := cfg.Exporters
	if len(exporters) == 0 {
		exporters = []MetricExporter{ExporterPrometheus}
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	p := &otelMeterProvider{}

	for _, exp := range exporters {
		switch exp {
		case ExporterPrometheus:
			reader, err := prometheus.New()
			if err != nil {
				return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			opts = append(opts, sdkmetric.WithReader(reader))
			p.prometheus = true

		case ExporterOTLP:
			grpcOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpointURL(cfg.OTLPEndpoint)}
			if cfg.OTLPInsecure {
				grpcOpts = append(grpcOpts, otlpmetricgrpc.WithInsecure())
			}
			otlpExp, err := otlpmetricgrpc.New(ctx, grpcOpts...)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
			}
			opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExp)))

		default:
			return nil, fmt.Errorf("unknown metric exporter %q", exp)
		}
	}

	p.provider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.provider)
	return p, nil
}

func (p *otelMeterProvider) Meter(name string) Meter {
	return &otelMeter{meter: p.provider.Meter(name)}
}

func (p *otelMeterProvider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

func (p *otelMeterProvider) Handler() http.Handler {
	if p.prometheus {
		return promhttp.Handler()
	}
	return http.NotFoundHandler()
}

type otelMeter struct {
	meter metric.Meter
}

// Instrument creation only fails on invalid names, which are constants
// here; a noop keeps callers free of error plumbing.

func (m *otelMeter) Counter(name, description string) Counter {
	c, err := m.meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noopCounter{}
	}
	return otelCounter{c}
}

func (m *otelMeter) Gauge(name, description string) Gauge {
	g, err := m.meter.Int64Gauge(name, metric.WithDescription(description))
	if err != nil {
		return noopGauge{}
	}
	return otelGauge{g}
}

func (m *otelMeter) Histogram(name, description string, buckets ...float64) Histogram {
	opts := []metric.Float64HistogramOption{
		metric.WithDescription(description),
		metric.WithUnit("ms"),
	}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}

	h, err := m.meter.Float64Histogram(name, opts...)
	if err != nil {
		return noopHistogram{}
	}
	return otelHistogram{h}
}

type otelCounter struct{ c metric.Int64Counter }

func (c otelCounter) Add(ctx context.Context, value int64, attrs ...attribute.KeyValue) {
	c.c.Add(ctx, value, metric.WithAttributes(attrs...))
}

func (c otelCounter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	c.c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

type otelGauge struct{ g metric.Int64Gauge }

func (g otelGauge) Record(ctx context.Context, value int64, attrs ...attribute.KeyValue) {
	g.g.Record(ctx, value, metric.WithAttributes(attrs...))
}

type otelHistogram struct{ h metric.Float64Histogram }

func (h otelHistogram) Record(ctx context.Context, value float64, attrs ...attribute.KeyValue) {
	h.h.Record(ctx, value, metric.WithAttributes(attrs...))
}

func (h otelHistogram) RecordDuration(ctx context.Context, start time.Time, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Microseconds()) / 1000
	h.h.Record(ctx, ms, metric.WithAttributes(attrs...))
}

type noopCounter struct{}

func (noopCounter) Add(context.Context, int64, ...attribute.KeyValue) {}
func (noopCounter) Inc(context.Context, ...attribute.KeyValue)        {}

type noopGauge struct{}

func (noopGauge) Record(context.Context, int64, ...attribute.KeyValue) {}

type noopHistogram struct{}

func (noopHistogram) Record(context.Context, float64, ...attribute.KeyValue)           {}
func (noopHistogram) RecordDuration(context.Context, time.Time, ...attribute.KeyValue) {}

type noopMeterProvider struct{}

// NewNoopMeterProvider returns a provider whose instruments do nothing
func NewNoopMeterProvider() MeterProvider {
	return noopMeterProvider{}
}

func (noopMeterProvider) Meter(string) Meter             { return noopMeter{} }
func (noopMeterProvider) Shutdown(context.Context) error { return nil }
func (noopMeterProvider) Handler() http.Handler          { return http.NotFoundHandler() }

type noopMeter struct{}

func (noopMeter) Counter(string, string) Counter                 { return noopCounter{} }
func (noopMeter) Gauge(string, string) Gauge                     { return noopGauge{} }
func (noopMeter) Histogram(string, string, ...float64) Histogram { return noopHistogram{} }
