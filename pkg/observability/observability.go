// Package observability wires OpenTelemetry tracing and metrics for the
// gate: OTLP export, RED (Rate, Errors, Duration) metrics around gate
// operations, and graceful shutdown of the providers. Disabled unless an
// endpoint is configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	BatchTimeout   time.Duration
	Enabled        bool
}

// DefaultConfig returns sane local defaults; telemetry stays off until
// Enabled is set and an endpoint is configured.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "tracegate",
		ServiceVersion: "1.0.0",
		BatchTimeout:   5 * time.Second,
	}
}

// Provider manages the trace and metric providers plus the gate's RED
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operationCounter metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
}

// New creates an observability provider and, when enabled, installs it as
// the global OpenTelemetry provider pair.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled || config.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithResource(res),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	p.tracer = p.tracerProvider.Tracer("tracegate")
	p.meter = p.meterProvider.Meter("tracegate")
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry enabled", "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.operationCounter, err = p.meter.Int64Counter("gate.operations",
		metric.WithDescription("Gate operations by kind"))
	if err != nil {
		return fmt.Errorf("observability: operation counter: %w", err)
	}
	p.errorCounter, err = p.meter.Int64Counter("gate.errors",
		metric.WithDescription("Gate operation failures by kind"))
	if err != nil {
		return fmt.Errorf("observability: error counter: %w", err)
	}
	p.durationHist, err = p.meter.Float64Histogram("gate.operation.duration",
		metric.WithDescription("Gate operation duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("observability: duration histogram: %w", err)
	}
	return nil
}

// RecordOperation records one gate operation with its duration and outcome.
func (p *Provider) RecordOperation(ctx context.Context, kind string, duration time.Duration, err error) {
	if p.operationCounter == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", kind))
	p.operationCounter.Add(ctx, 1, attrs)
	p.durationHist.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		p.errorCounter.Add(ctx, 1, attrs)
	}
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
