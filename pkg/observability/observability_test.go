package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func boolPtr(b bool) *bool { return &b }

func TestZeroValueMetricsAreNilSafe(t *testing.T) {
	ctx := context.Background()
	m := &PrometheusMetrics{}

	m.RecordConnectionOpened(ctx, "chat")
	m.RecordMessage(ctx, "admitted")
	m.RecordInferenceCall(ctx, "/agent.AgentService/SendMessage", time.Second, errors.New("boom"))
	m.RecordStoreFailure(ctx, "get")

	var nilMetrics *PrometheusMetrics
	nilMetrics.RecordCacheLookup(ctx, true)
}

func TestGlobalMetricsDefaultsToNoop(t *testing.T) {
	SetGlobalMetrics(nil)
	_, ok := GetGlobalMetrics().(NoopMetrics)
	assert.True(t, ok)

	m := &PrometheusMetrics{}
	SetGlobalMetrics(m)
	defer SetGlobalMetrics(nil)
	assert.Same(t, m, GetGlobalMetrics())
}

func TestInitMetricsExposesPrometheus(t *testing.T) {
	ctx := context.Background()
	cfg := MetricsConfig{Enabled: boolPtr(true)}
	cfg.SetDefaults()

	m, handler, mp, err := InitMetrics(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, handler)
	defer func() { _ = mp.Shutdown(ctx) }()

	m.RecordStoreFailure(ctx, "incr")
	m.RecordQuotaRejection(ctx, "message")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Contains(t, string(body), "gateway_store_failures_total")
	assert.Contains(t, string(body), `op="incr"`)
	assert.Contains(t, string(body), "gateway_quota_rejections_total")
}

func TestInitMetricsDisabled(t *testing.T) {
	m, handler, mp, err := InitMetrics(context.Background(), MetricsConfig{Enabled: boolPtr(false)})
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Nil(t, handler)
	assert.Nil(t, mp)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "gateway", cfg.Tracing.ServiceName)
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)

	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "zipkin"
	assert.Error(t, cfg.Validate())

	cfg.Tracing.Exporter = "stdout"
	cfg.Tracing.SamplingRate = 2
	assert.Error(t, cfg.Validate())
}

type recordingMetrics struct {
	NoopMetrics
	route  string
	status int
}

func (r *recordingMetrics) RecordHTTPRequest(_ context.Context, _ string, route string, status int, _ time.Duration) {
	r.route = route
	r.status = status
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	rec := &recordingMetrics{}
	r := chi.NewRouter()
	r.Use(HTTPMiddleware(noop.NewTracerProvider().Tracer("test"), rec))
	r.Get("/api/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/abc", nil))

	assert.Equal(t, "/api/sessions/{id}", rec.route)
	assert.Equal(t, http.StatusNotFound, rec.status)
}

func TestManagerLifecycle(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	mgr := NewManager(cfg)

	require.NoError(t, mgr.Initialize(context.Background()))
	assert.NotNil(t, mgr.MetricsHandler())
	assert.NotNil(t, mgr.GetTracer("test"))
	require.NoError(t, mgr.Shutdown(context.Background()))
}
