package telemetry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var ErrNoExporter = errors.New("no telemetry exporter configured")

// A simple helper that configures OpenTelemetry for the call core.
func SetupTelemetry(ctx context.Context, config Config) (*tracesdk.TracerProvider, error) {
	packageName := config.Package
	if packageName == "" {
		packageName = PACKAGE
	}

	// Create a new resource.
	res, err := NewResource(packageName, config.ID)
	if err != nil {
		return nil, err
	}

	// OTLP has precedence over Jaeger.
	var exp tracesdk.SpanExporter
	switch {
	case config.OTLP.Host != "":
		exp, err = NewOTLPExporter(ctx, config.OTLP)
	case config.JaegerURL != "":
		exp, err = NewJaegerExporter(config.JaegerURL)
	default:
		return nil, ErrNoExporter
	}
	if err != nil {
		return nil, err
	}

	// Create a new trace provider.
	tp := NewTracerProvider(exp, res, config.sampler())

	// Set the trace provider as the global trace provider.
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(packageName)

	// Context propagation for the OpenTelemetry SDK.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// Creates the provider that batches the spans of the sampled calls to the exporter.
func NewTracerProvider(exp tracesdk.SpanExporter, res *resource.Resource, ratio float64) *tracesdk.TracerProvider {
	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.TraceIDRatioBased(ratio)),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
}

// Creates Jaeger exporter.
func NewJaegerExporter(url string) (*jaeger.Exporter, error) {
	return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
}

// Creates an OTLP exporter that talks HTTP to the collector.
func NewOTLPExporter(ctx context.Context, config OTLP) (tracesdk.SpanExporter, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Host)}
	if !config.Secure {
		options = append(options, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, options...)
}

// Creates a new resource to identify the service instance.
func NewResource(packageName, instanceID string) (*resource.Resource, error) {
	if instanceID == "" {
		// Generate random string ID.
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		instanceID = id.String()
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(packageName),
		attribute.String("ID", instanceID),
	), nil
}
