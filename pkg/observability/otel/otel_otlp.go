// Package otelobs wires OpenTelemetry tracing and metrics into the HTTP
// service.
package otelobs

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"behavtrust/pkg/structlog"
)

// MetricExportInterval is how often OTLP metrics are pushed.
const MetricExportInterval = 60 * time.Second

func noop(context.Context) error { return nil }

func isURL(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}

func serviceResource(ctx context.Context, serviceName string, log *structlog.Logger) *resource.Resource {
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		log.Warn("otel resource init failed", structlog.Fields{"error": err.Error()})
	}
	return res
}

// InitTracer sets up an OTLP HTTP exporter and returns a shutdown func.
// Without an endpoint tracing stays disabled and the shutdown is a no-op.
func InitTracer(ctx context.Context, serviceName, endpoint string, log *structlog.Logger) func(context.Context) error {
	if endpoint == "" {
		log.Info("no OTLP endpoint; tracing disabled", structlog.Fields{"service": serviceName})
		return noop
	}

	var opt otlptracehttp.Option
	if isURL(endpoint) {
		opt = otlptracehttp.WithEndpointURL(endpoint)
	} else {
		opt = otlptracehttp.WithEndpoint(endpoint)
	}
	exp, err := otlptracehttp.New(ctx, opt, otlptracehttp.WithInsecure())
	if err != nil {
		log.Error("otlp exporter init failed", structlog.Fields{"error": err.Error()})
		return noop
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(serviceResource(ctx, serviceName, log)))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	log.Info("tracing enabled", structlog.Fields{"service": serviceName, "endpoint": endpoint})
	return tp.Shutdown
}

// InitMeter installs a global MeterProvider that pushes to the same OTLP
// collector. otelhttp records its http.server.* instruments there; the
// Prometheus registry keeps serving /metrics independently.
func InitMeter(ctx context.Context, serviceName, endpoint string, log *structlog.Logger) func(context.Context) error {
	if endpoint == "" {
		return noop
	}

	var opt otlpmetrichttp.Option
	if isURL(endpoint) {
		opt = otlpmetrichttp.WithEndpointURL(endpoint)
	} else {
		opt = otlpmetrichttp.WithEndpoint(endpoint)
	}
	exp, err := otlpmetrichttp.New(ctx, opt, otlpmetrichttp.WithInsecure())
	if err != nil {
		log.Error("otlp metric exporter init failed", structlog.Fields{"error": err.Error()})
		return noop
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(MetricExportInterval))),
		sdkmetric.WithResource(serviceResource(ctx, serviceName, log)),
	)
	otel.SetMeterProvider(mp)
	log.Info("otlp metrics enabled", structlog.Fields{"service": serviceName, "endpoint": endpoint})
	return mp.Shutdown
}
