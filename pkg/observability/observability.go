// Package observability wires OpenTelemetry metrics and traces around the
// pipeline stages. Export is disabled unless an OTLP endpoint is configured;
// a disabled provider is safe to call everywhere.
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

const instrumentationName = "corpusvet"

// Config configures telemetry export.
type Config struct {
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	Insecure       bool
	Enabled        bool
}

// Provider owns the trace and metric pipelines for a run.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	stageDuration  metric.Float64Histogram
	recordsWritten metric.Int64Counter
	recordsPitched metric.Int64Counter
	targetsFailed  metric.Int64Counter
}

// New builds a provider. With Enabled false or no endpoint it returns an
// inert provider whose record methods are no-ops.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Provider, error) {
	p := &Provider{config: cfg, logger: log.With("component", "observability")}
	if !cfg.Enabled || cfg.OTLPEndpoint == "" {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(instrumentationName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry enabled", "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.stageDuration, err = p.meter.Float64Histogram("corpusvet.stage.duration",
		metric.WithDescription("Stage wall time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200),
	)
	if err != nil {
		return err
	}
	p.recordsWritten, err = p.meter.Int64Counter("corpusvet.records.written",
		metric.WithDescription("Records written to shards"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}
	p.recordsPitched, err = p.meter.Int64Counter("corpusvet.records.pitched",
		metric.WithDescription("Records pitched by the YELLOW screen"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}
	p.targetsFailed, err = p.meter.Int64Counter("corpusvet.targets.failed",
		metric.WithDescription("Targets that failed a stage"),
		metric.WithUnit("{target}"),
	)
	return err
}

// TrackStage opens a span for a stage and returns the completion callback
// that records duration and any terminal error.
func (p *Provider) TrackStage(ctx context.Context, stage string) (context.Context, func(error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("stage", stage)}
	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "stage/"+stage,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attrs...),
		)
	}
	return ctx, func(err error) {
		if p.stageDuration != nil {
			p.stageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if span != nil {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}
}

// CountWritten adds to the written-record counter for a stage.
func (p *Provider) CountWritten(ctx context.Context, stage string, n int) {
	if p.recordsWritten != nil {
		p.recordsWritten.Add(ctx, int64(n), metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// CountPitched adds to the pitched-record counter by reason.
func (p *Provider) CountPitched(ctx context.Context, reason string, n int) {
	if p.recordsPitched != nil {
		p.recordsPitched.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// CountFailedTargets adds to the failed-target counter for a stage.
func (p *Provider) CountFailedTargets(ctx context.Context, stage string, n int) {
	if p.targetsFailed != nil {
		p.targetsFailed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "err", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "err", err)
		}
	}
	return nil
}
