// Package observability wires OpenTelemetry metrics through the Prometheus
// exporter and optional stdout tracing.
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/gin-gonic/gin"
)

// Metrics holds the instruments recorded by the chat proxy.
type Metrics struct {
	ChatRequests    metric.Int64Counter
	QuotaRejections metric.Int64Counter
	StreamedChunks  metric.Int64Counter
}

// Setup initializes the Prometheus-backed meter provider and returns the
// application instruments.
func Setup() (*Metrics, error) {
	exp, err := otelprom.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("character-playground/backend")

	m := &Metrics{}
	if m.ChatRequests, err = meter.Int64Counter("chat_requests_total",
		metric.WithDescription("Chat proxy requests by outcome")); err != nil {
		return nil, err
	}
	if m.QuotaRejections, err = meter.Int64Counter("quota_rejections_total",
		metric.WithDescription("Requests rejected by the daily quota")); err != nil {
		return nil, err
	}
	if m.StreamedChunks, err = meter.Int64Counter("streamed_chunks_total",
		metric.WithDescription("Content deltas relayed to streaming clients")); err != nil {
		return nil, err
	}
	return m, nil
}

// SetupTracing initializes stdout tracing. Returns a shutdown func.
func SetupTracing(serviceName string) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, _ := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	provider := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// MetricsHandler exposes the Prometheus scrape endpoint on a Gin route.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
