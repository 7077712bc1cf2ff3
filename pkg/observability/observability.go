// Package observability provides OpenTelemetry tracing and the engine's
// domain metrics: tasks processed, emails sent, meter events pushed,
// idempotent replays, webhook events and quota rejections.
//
// A provider built with Enabled=false is a complete no-op; call sites never
// check whether telemetry is on.
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

const scopeName = "regain.engine"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	Enabled        bool
	Insecure       bool // plaintext OTLP, dev only
	BatchTimeout   time.Duration
}

// DefaultConfig returns usable defaults for a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "regaind",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus domain instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	tasksProcessed    metric.Int64Counter
	emailsSent        metric.Int64Counter
	meterEvents       metric.Int64Counter
	idempotentReplays metric.Int64Counter
	webhookEvents     metric.Int64Counter
	quotaRejections   metric.Int64Counter
}

// Disabled returns a provider that records nothing, for tests and for runs
// without a collector endpoint.
func Disabled() *Provider {
	return &Provider{config: &Config{Enabled: false}, logger: slog.Default()}
}

// New creates the provider and, when enabled, wires OTLP gRPC exporters.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: logger.With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(scopeName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(scopeName, metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
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
		return fmt.Errorf("create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
		return fmt.Errorf("create metric exporter: %w", err)
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

func (p *Provider) initInstruments() error {
	var err error

	p.tasksProcessed, err = p.meter.Int64Counter("regain.tasks.processed",
		metric.WithDescription("Tasks executed by the worker, by type and outcome"),
		metric.WithUnit("{task}"))
	if err != nil {
		return err
	}
	p.emailsSent, err = p.meter.Int64Counter("regain.emails.sent",
		metric.WithDescription("Dunning and notification emails handed to the gateway"),
		metric.WithUnit("{email}"))
	if err != nil {
		return err
	}
	p.meterEvents, err = p.meter.Int64Counter("regain.meter.events",
		metric.WithDescription("Meter events pushed to the payment provider, by outcome"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.idempotentReplays, err = p.meter.Int64Counter("regain.meter.idempotent_replays",
		metric.WithDescription("Meter uploads the provider reported as already received"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.webhookEvents, err = p.meter.Int64Counter("regain.webhook.events",
		metric.WithDescription("Inbound webhook events, by type and action taken"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.quotaRejections, err = p.meter.Int64Counter("regain.quota.rejections",
		metric.WithDescription("Operations refused by a quota gate, by boundary"),
		metric.WithUnit("{rejection}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// RecordTask counts one worker task execution.
func (p *Provider) RecordTask(ctx context.Context, taskType, outcome string) {
	if p.tasksProcessed != nil {
		p.tasksProcessed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task.type", taskType),
			attribute.String("task.outcome", outcome),
		))
	}
}

// RecordEmailSent counts one accepted gateway send.
func (p *Provider) RecordEmailSent(ctx context.Context, kind string) {
	if p.emailsSent != nil {
		p.emailsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("email.kind", kind)))
	}
}

// RecordMeterEvent counts one reporter upload attempt.
func (p *Provider) RecordMeterEvent(ctx context.Context, outcome string) {
	if p.meterEvents != nil {
		p.meterEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("meter.outcome", outcome)))
	}
}

// RecordIdempotentReplay counts an idempotency_key_in_use response. Treated
// as success on the reporting path, but surfaced here so a burst of replays
// is visible instead of silently masked.
func (p *Provider) RecordIdempotentReplay(ctx context.Context) {
	if p.idempotentReplays != nil {
		p.idempotentReplays.Add(ctx, 1)
	}
}

// RecordWebhookEvent counts one inbound event and the action taken on it.
func (p *Provider) RecordWebhookEvent(ctx context.Context, eventType, action string) {
	if p.webhookEvents != nil {
		p.webhookEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("webhook.type", eventType),
			attribute.String("webhook.action", action),
		))
	}
}

// RecordQuotaRejection counts a quota refusal at one of the three gates.
func (p *Provider) RecordQuotaRejection(ctx context.Context, boundary string) {
	if p.quotaRejections != nil {
		p.quotaRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("quota.boundary", boundary)))
	}
}

// TrackOperation opens a span for an operation and returns the completion
// callback that ends it, recording the error if any.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
