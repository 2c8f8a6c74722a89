package quota

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ResultFromContext(r.Context()) == nil {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_HeadersAndRejection(t *testing.T) {
	svc, _ := newTestService(t, Rules{
		DimensionAddress:  {Enabled: true, Window: time.Minute, Max: 2},
		DimensionEndpoint: {Enabled: true, Window: time.Minute, Max: 100},
	})
	h := Middleware(MiddlewareConfig{Service: svc, ExcludedPaths: []string{"/health"}})(okHandler())

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "192.0.2.7:51234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do("/api/chat")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000040", rec.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, rec.Header().Get("Retry-After"))

	rec = do("/api/chat")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = do("/api/chat")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(30), body["retry_after_seconds"])
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "rate_limit_exceeded", errObj["code"])
	assert.Equal(t, "address", errObj["dimension"])

	rec = do("/health")
	assert.Equal(t, http.StatusTeapot, rec.Code, "excluded paths skip the middleware")
}

func TestMiddleware_SessionHeader(t *testing.T) {
	svc, _ := newTestService(t, Rules{
		DimensionSession: {Enabled: true, Window: time.Minute, Max: 1},
	})
	var seen []*Result
	h := Middleware(MiddlewareConfig{
		Service: svc,
		OnLimited: func(w http.ResponseWriter, _ *http.Request, result *Result) {
			seen = append(seen, result)
			w.WriteHeader(http.StatusTooManyRequests)
		},
	})(okHandler())

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
		req.Header.Set(SessionHeader, "s1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "request %d", i)
	}
	require.Len(t, seen, 1)
	assert.Equal(t, DimensionSession, seen[0].Dimension)

	// a different session is counted separately
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s2", nil)
	req.Header.Set(SessionHeader, "s2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_EndpointCountsPerRoute(t *testing.T) {
	svc, _ := newTestService(t, Rules{
		DimensionEndpoint: {Enabled: true, Window: time.Minute, Max: 1},
	})
	var limited []*Result
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(Middleware(MiddlewareConfig{
			Service: svc,
			OnLimited: func(w http.ResponseWriter, _ *http.Request, result *Result) {
				limited = append(limited, result)
				w.WriteHeader(http.StatusTooManyRequests)
			},
		}))
		r.Get("/sessions/{id}", okHandler().ServeHTTP)
		r.Get("/stats", okHandler().ServeHTTP)
	})

	get := func(path string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/api/sessions/a"))
	assert.Equal(t, http.StatusTooManyRequests, get("/api/sessions/b"), "ids share the route counter")
	assert.Equal(t, http.StatusOK, get("/api/stats"))

	require.Len(t, limited, 1)
	assert.Equal(t, DimensionEndpoint, limited[0].Dimension)
	assert.Equal(t, "GET /api/sessions/{id}", limited[0].Identifier)
}

func TestRoutePatternWithoutRouter(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/a", nil)
	assert.Equal(t, "DELETE /api/sessions/a", RoutePattern(req))
}

func TestMiddleware_NilServicePassesThrough(t *testing.T) {
	h := Middleware(MiddlewareConfig{})(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRemoteAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", RemoteAddress(req))

	req.RemoteAddr = "not-a-hostport"
	assert.Equal(t, "not-a-hostport", RemoteAddress(req))
}
