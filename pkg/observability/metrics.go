package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the meter provider and the instruments. The returned
// handler serves the Prometheus exposition format; it is nil when metrics
// are disabled.
func InitMetrics(_ context.Context, cfg MetricsConfig) (*PrometheusMetrics, http.Handler, *sdkmetric.MeterProvider, error) {
	if !cfg.IsEnabled() {
		return &PrometheusMetrics{}, nil, nil, nil
	}

	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(
		prometheus.WithRegisterer(registry),
		prometheus.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	m, err := newPrometheusMetrics(meterProvider.Meter("github.com/davel-ai/gateway"))
	if err != nil {
		_ = meterProvider.Shutdown(context.Background())
		return nil, nil, nil, err
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, handler, meterProvider, nil
}

func newPrometheusMetrics(meter metric.Meter) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{}
	var err error

	if m.connectionsActive, err = meter.Int64UpDownCounter(
		"connections_active",
		metric.WithDescription("Open client connections on this process"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active connections counter: %w", err)
	}

	if m.connectionsTotal, err = meter.Int64Counter(
		"connections",
		metric.WithDescription("Client connections accepted"),
	); err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	if m.messagesTotal, err = meter.Int64Counter(
		"messages",
		metric.WithDescription("Chat messages by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create messages counter: %w", err)
	}

	if m.quotaRejections, err = meter.Int64Counter(
		"quota_rejections",
		metric.WithDescription("Requests rejected by a quota rule"),
	); err != nil {
		return nil, fmt.Errorf("failed to create quota rejections counter: %w", err)
	}

	if m.inferenceDuration, err = meter.Float64Histogram(
		"inference_duration_seconds",
		metric.WithDescription("Inference call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create inference duration histogram: %w", err)
	}

	if m.inferenceErrors, err = meter.Int64Counter(
		"inference_errors",
		metric.WithDescription("Failed inference calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create inference errors counter: %w", err)
	}

	if m.cacheLookups, err = meter.Int64Counter(
		"cache_lookups",
		metric.WithDescription("Cache lookups by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	if m.storeFailures, err = meter.Int64Counter(
		"store_failures",
		metric.WithDescription("Coordination store operations that failed open"),
	); err != nil {
		return nil, fmt.Errorf("failed to create store failures counter: %w", err)
	}

	if m.envelopesDelivered, err = meter.Int64Counter(
		"envelopes_delivered",
		metric.WithDescription("Envelopes written to local connections"),
	); err != nil {
		return nil, fmt.Errorf("failed to create envelopes counter: %w", err)
	}

	if m.httpDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	if m.httpRequests, err = meter.Int64Counter(
		"http_requests",
		metric.WithDescription("HTTP requests by route and status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return m, nil
}
