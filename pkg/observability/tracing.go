package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/drewano/dodai-sub000/pkg/config"
)

const defaultServiceName = "dodai"

// TraceConfig configures NewTracer.
type TraceConfig struct {
	// Endpoint is the OTLP/HTTP collector host:port. Empty disables export.
	Endpoint    string
	ServiceName string
	Insecure    bool
	// SampleRatio in [0,1]; zero means sample everything.
	SampleRatio float64
}

// TraceConfigFrom maps settings onto a TraceConfig.
func TraceConfigFrom(cfg *config.TracingConfig) TraceConfig {
	if cfg == nil {
		return TraceConfig{}
	}
	out := TraceConfig{Endpoint: cfg.Endpoint, ServiceName: cfg.ServiceName}
	if cfg.Insecure != nil {
		out.Insecure = *cfg.Insecure
	}
	if cfg.SampleRatio != nil {
		out.SampleRatio = *cfg.SampleRatio
	}
	return out
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// NewTracer returns a tracer exporting over OTLP/HTTP, or a noop tracer when
// no endpoint is configured.
func NewTracer(ctx context.Context, cfg TraceConfig) (trace.Tracer, ShutdownFunc, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = defaultServiceName
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return noop.NewTracerProvider().Tracer(name), func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp exporter: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	return provider.Tracer(name), provider.Shutdown, nil
}
