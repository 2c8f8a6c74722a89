package observability

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records gateway measurements.
type Metrics interface {
	RecordConnectionOpened(ctx context.Context, channel string)
	RecordConnectionClosed(ctx context.Context, channel string)
	RecordMessage(ctx context.Context, outcome string)
	RecordQuotaRejection(ctx context.Context, dimension string)
	RecordInferenceCall(ctx context.Context, method string, duration time.Duration, err error)
	RecordCacheLookup(ctx context.Context, hit bool)
	RecordStoreFailure(ctx context.Context, op string)
	RecordEnvelopeDelivered(ctx context.Context, count int)
	RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration)
}

// PrometheusMetrics is the OpenTelemetry-backed Metrics. The zero value
// records nothing.
type PrometheusMetrics struct {
	connectionsActive  metric.Int64UpDownCounter
	connectionsTotal   metric.Int64Counter
	messagesTotal      metric.Int64Counter
	quotaRejections    metric.Int64Counter
	inferenceDuration  metric.Float64Histogram
	inferenceErrors    metric.Int64Counter
	cacheLookups       metric.Int64Counter
	storeFailures      metric.Int64Counter
	envelopesDelivered metric.Int64Counter
	httpDuration       metric.Float64Histogram
	httpRequests       metric.Int64Counter
}

var _ Metrics = (*PrometheusMetrics)(nil)

func (m *PrometheusMetrics) RecordConnectionOpened(ctx context.Context, channel string) {
	if m == nil || m.connectionsActive == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	m.connectionsActive.Add(ctx, 1, attrs)
	m.connectionsTotal.Add(ctx, 1, attrs)
}

func (m *PrometheusMetrics) RecordConnectionClosed(ctx context.Context, channel string) {
	if m == nil || m.connectionsActive == nil {
		return
	}
	m.connectionsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("channel", channel)))
}

func (m *PrometheusMetrics) RecordMessage(ctx context.Context, outcome string) {
	if m == nil || m.messagesTotal == nil {
		return
	}
	m.messagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

func (m *PrometheusMetrics) RecordQuotaRejection(ctx context.Context, dimension string) {
	if m == nil || m.quotaRejections == nil {
		return
	}
	m.quotaRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("dimension", dimension)))
}

func (m *PrometheusMetrics) RecordInferenceCall(ctx context.Context, method string, duration time.Duration, err error) {
	if m == nil || m.inferenceDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("method", method))
	m.inferenceDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil && m.inferenceErrors != nil {
		m.inferenceErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *PrometheusMetrics) RecordStoreFailure(ctx context.Context, op string) {
	if m == nil || m.storeFailures == nil {
		return
	}
	m.storeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *PrometheusMetrics) RecordEnvelopeDelivered(ctx context.Context, count int) {
	if m == nil || m.envelopesDelivered == nil || count <= 0 {
		return
	}
	m.envelopesDelivered.Add(ctx, int64(count))
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) RecordConnectionOpened(context.Context, string)                        {}
func (NoopMetrics) RecordConnectionClosed(context.Context, string)                        {}
func (NoopMetrics) RecordMessage(context.Context, string)                                 {}
func (NoopMetrics) RecordQuotaRejection(context.Context, string)                          {}
func (NoopMetrics) RecordInferenceCall(context.Context, string, time.Duration, error)     {}
func (NoopMetrics) RecordCacheLookup(context.Context, bool)                               {}
func (NoopMetrics) RecordStoreFailure(context.Context, string)                            {}
func (NoopMetrics) RecordEnvelopeDelivered(context.Context, int)                          {}
func (NoopMetrics) RecordHTTPRequest(context.Context, string, string, int, time.Duration) {}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics never returns nil.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if globalMetrics == nil {
		return NoopMetrics{}
	}
	return globalMetrics
}
