// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// simflow runs.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName is the instrumentation scope of simflow spans.
const TracerName = "github.com/simflow/simflow"

// OTLPConfig configures the OTLP gRPC trace exporter. Tracing is off when
// Endpoint is empty.
type OTLPConfig struct {
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	Insecure       bool              `yaml:"insecure"`
	Headers        map[string]string `yaml:"headers"`
	BatchTimeout   time.Duration     `yaml:"batch_timeout"`
	ExportTimeout  time.Duration     `yaml:"export_timeout"`
	// SamplingRatio is the fraction of runs traced, 0 to 1.
	SamplingRatio float64 `yaml:"sampling_ratio" validate:"gte=0,lte=1"`
}

// DefaultOTLPConfig returns the exporter defaults with tracing disabled.
func DefaultOTLPConfig() OTLPConfig {
	return OTLPConfig{
		ServiceName:   "simflow",
		Environment:   "development",
		Insecure:      true,
		BatchTimeout:  5 * time.Second,
		ExportTimeout: 30 * time.Second,
		SamplingRatio: 1.0,
	}
}

// Tracing owns the tracer provider lifecycle.
type Tracing struct {
	mu       sync.Mutex
	provider *sdktrace.TracerProvider
}

// InitTracing installs the global tracer provider. With an empty endpoint
// it installs nothing and spans are no-ops. The returned shutdown flushes
// pending spans.
func InitTracing(ctx context.Context, cfg OTLPConfig, version string) (*Tracing, error) {
	t := &Tracing{}
	if cfg.Endpoint == "" {
		return t, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRatio >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRatio <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRatio)
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Shutdown flushes and stops the exporter. Safe on a disabled Tracing.
func (t *Tracing) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.provider == nil {
		return nil
	}
	err := t.provider.Shutdown(ctx)
	t.provider = nil
	return err
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
