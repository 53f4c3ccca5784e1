package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OTLPConfig holds process-level tracing configuration.
type OTLPConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// InitOTLP sets up the OTLP exporter and returns a mirror that copies
// closed spans to OpenTelemetry, plus a shutdown func. When disabled it
// returns a nil mirror and a no-op shutdown.
func InitOTLP(ctx context.Context, cfg OTLPConfig, logger *zap.Logger) (*OTelMirror, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.ServiceName == "" {
		cfg.ServiceName = "helix-pipeline"
	}
	if !cfg.Enabled {
		logger.Info("OTLP tracing disabled")
		return nil, noop, nil
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OTLP tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return &OTelMirror{tracer: otel.Tracer(cfg.ServiceName)}, tp.Shutdown, nil
}

// OTelMirror is a Sink that re-emits closed spans to OpenTelemetry
// with their original timestamps. The in-process tree stays the source
// of truth; this is export only.
type OTelMirror struct {
	tracer oteltrace.Tracer
}

// WriteSpan emits one span.
func (m *OTelMirror) WriteSpan(ctx context.Context, rec *SpanRecord) error {
	_, span := m.tracer.Start(ctx, rec.Name,
		oteltrace.WithTimestamp(rec.StartTS),
	)
	span.SetAttributes(attrsToOTel(rec)...)
	span.End(oteltrace.WithTimestamp(rec.EndTS))
	return nil
}
