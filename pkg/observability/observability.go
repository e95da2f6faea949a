// Package observability provides OpenTelemetry tracing and metrics for the
// relay plus the process-wide slog setup.
//
// A Provider built with Enabled=false (or a nil *Provider) is a valid no-op:
// spans go to the global tracer and counters are skipped.
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

const instrumentationName = "helm.relay"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	NodeID         string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool
	Insecure       bool // Use insecure connection (dev only)
}

// DefaultConfig returns defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helm-relay",
		ServiceVersion: "0.1.0",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics
	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram

	// Relay counters
	ingestedCounter    metric.Int64Counter
	rejectedCounter    metric.Int64Counter
	replicationCounter metric.Int64Counter
	loopDropCounter    metric.Int64Counter
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("relay.node_id", config.NodeID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// initMetrics registers the RED instruments and the relay counters on p.meter.
func (p *Provider) initMetrics() error {
	var err error

	if p.requestCounter, err = p.meter.Int64Counter("relay.requests.total",
		metric.WithDescription("Total number of operations processed"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("relay.errors.total",
		metric.WithDescription("Total number of failed operations"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("relay.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return err
	}
	if p.ingestedCounter, err = p.meter.Int64Counter("relay.events.ingested",
		metric.WithDescription("Events handed to the store, by source and outcome"),
		metric.WithUnit("{event}"),
	); err != nil {
		return err
	}
	if p.rejectedCounter, err = p.meter.Int64Counter("relay.events.rejected",
		metric.WithDescription("Events rejected by validation, by source and reason"),
		metric.WithUnit("{event}"),
	); err != nil {
		return err
	}
	if p.replicationCounter, err = p.meter.Int64Counter("relay.replication.attempts",
		metric.WithDescription("Outbound replication attempts, by peer and result"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return err
	}
	p.loopDropCounter, err = p.meter.Int64Counter("relay.loop.drops",
		metric.WithDescription("Events or requests dropped by loop protection"),
		metric.WithUnit("{drop}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, or the global one.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackOperation starts a span and RED bookkeeping for name. Call the
// returned function with the operation's error when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	attrs = append(attrs, attribute.String("operation", name))
	if p != nil && p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p != nil && p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p != nil && p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(
					append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
			}
		}
		span.End()
	}
}

// RecordIngest counts an event handed to the store. source is "push" or
// "replication"; outcome is the append outcome.
func (p *Provider) RecordIngest(ctx context.Context, source, outcome string) {
	if p == nil || p.ingestedCounter == nil {
		return
	}
	p.ingestedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

// RecordRejection counts a validation rejection.
func (p *Provider) RecordRejection(ctx context.Context, source, reason string) {
	if p == nil || p.rejectedCounter == nil {
		return
	}
	p.rejectedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("reason", reason),
	))
}

// RecordReplication counts one outbound replication attempt.
func (p *Provider) RecordReplication(ctx context.Context, peerID, result string) {
	if p == nil || p.replicationCounter == nil {
		return
	}
	p.replicationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("peer_id", peerID),
		attribute.String("result", result),
	))
}

// RecordLoopDrop counts a loop-protection drop.
func (p *Provider) RecordLoopDrop(ctx context.Context, reason string) {
	if p == nil || p.loopDropCounter == nil {
		return
	}
	p.loopDropCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
