package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davel-ai/gateway/pkg/cache"
	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/coordination/storetest"
	"github.com/davel-ai/gateway/pkg/inference"
	"github.com/davel-ai/gateway/pkg/logger"
	"github.com/davel-ai/gateway/pkg/quota"
	"github.com/davel-ai/gateway/pkg/registry"
	"github.com/davel-ai/gateway/pkg/relay"
	"github.com/davel-ai/gateway/pkg/server"
	"github.com/davel-ai/gateway/pkg/session"
)

const adminToken = "s3cret"

type echoInference struct{}

func (echoInference) SendMessage(_ context.Context, req *inference.Request) (*inference.Response, error) {
	return &inference.Response{
		Response:  "answer to " + req.Message,
		SessionID: req.SessionID,
		Status:    inference.Status{Success: true},
	}, nil
}

type harness struct {
	url      string
	store    *coordination.Store
	mr       *miniredis.Miniredis
	sessions *session.Store
	registry *registry.LocalRegistry
	server   *server.Server
	cancel   context.CancelFunc
	done     chan error
}

func defaultRules() quota.Rules {
	return quota.Rules{
		quota.DimensionAddress:    {Enabled: true, Window: time.Minute, Max: 100},
		quota.DimensionMessage:    {Enabled: true, Window: time.Minute, Max: 100},
		quota.DimensionConnection: {Enabled: true, Window: time.Minute, Max: 10},
	}
}

func newHarness(t *testing.T, rules quota.Rules, mutate func(*config.ServerConfig)) *harness {
	t.Helper()
	store, mr := storetest.NewRedis(t)
	return newHarnessWithStore(t, store, mr, rules, mutate)
}

func newHarnessWithStore(t *testing.T, store *coordination.Store, mr *miniredis.Miniredis, rules quota.Rules, mutate func(*config.ServerConfig)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AdminToken = adminToken
	cfg.Server.WriteTimeout = time.Second
	cfg.Server.PingInterval = 2 * time.Second
	cfg.Server.ShutdownTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg.Server)
	}

	reg := registry.NewLocalRegistry()
	sessions := session.NewStore(store, cfg.Sessions, session.WithLogger(logger.Discard()))
	c, err := cache.NewService(store, cfg.Cache, cache.WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	q := quota.NewService(store, rules, quota.WithLogger(logger.Discard()))

	r := relay.New(relay.Deps{
		Store:     store,
		Quota:     q,
		Sessions:  sessions,
		Cache:     c,
		Registry:  reg,
		Inference: echoInference{},
	}, relay.Options{InferenceTimeout: time.Second, Logger: logger.Discard()})

	srv := server.New(cfg.Server, server.Deps{
		Store:    store,
		Relay:    r,
		Sessions: sessions,
		Cache:    c,
		Quota:    q,
		Registry: reg,
	}, server.Options{Logger: logger.Discard()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		url:      "http://" + ln.Addr().String(),
		store:    store,
		mr:       mr,
		sessions: sessions,
		registry: reg,
		server:   srv,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { h.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	if mr != nil {
		require.Eventually(t, func() bool {
			return mr.PubSubNumSub(relay.DefaultChannel)[relay.DefaultChannel] == 1 &&
				mr.PubSubNumSub(server.DefaultLogsChannel)[server.DefaultLogsChannel] == 1
		}, 2*time.Second, 10*time.Millisecond)
	}
	return h
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.url, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (h *harness) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.url+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

// waitConnections waits until n chat sockets have been admitted.
func (h *harness) waitConnections(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.registry.Len() == n }, 2*time.Second, 10*time.Millisecond)
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func assertNoFrame(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var frame map[string]any
	err := ws.ReadJSON(&frame)
	require.Error(t, err, "unexpected frame %v", frame)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestChatSocketRoundTrip(t *testing.T) {
	h := newHarness(t, defaultRules(), nil)
	ws := h.dial(t, "/ws/chat")

	require.NoError(t, ws.WriteJSON(map[string]any{"message": "hi", "sessionId": "s1"}))
	frame := readFrame(t, ws)

	assert.Equal(t, "s1", frame["sessionId"])
	assert.Equal(t, "answer to hi", frame["token"])
	assert.Equal(t, true, frame["done"])
	assert.NotEmpty(t, frame["id"])
}

func TestChatSocketFanOutToSessionOnly(t *testing.T) {
	h := newHarness(t, defaultRules(), nil)
	c1 := h.dial(t, "/ws/chat")
	c2 := h.dial(t, "/ws/chat")
	c3 := h.dial(t, "/ws/chat")

	require.NoError(t, c1.WriteJSON(map[string]any{"message": "one", "sessionId": "s1"}))
	assert.Equal(t, "answer to one", readFrame(t, c1)["token"])

	require.NoError(t, c2.WriteJSON(map[string]any{"message": "two", "sessionId": "s1"}))
	assert.Equal(t, "answer to two", readFrame(t, c2)["token"])
	assert.Equal(t, "answer to two", readFrame(t, c1)["token"])

	assertNoFrame(t, c3)
}

func TestChatSocketRejectsMalformedFrame(t *testing.T) {
	h := newHarness(t, defaultRules(), nil)
	ws := h.dial(t, "/ws/chat")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := readFrame(t, ws)
	assert.Equal(t, true, frame["error"])
	assert.Equal(t, string(relay.CodeValidation), frame["code"])

	require.NoError(t, ws.WriteJSON(map[string]any{"message": "", "sessionId": "s1"}))
	frame = readFrame(t, ws)
	assert.Equal(t, string(relay.CodeValidation), frame["code"])
}

func TestChatSocketConnectionLimit(t *testing.T) {
	rules := defaultRules()
	rules[quota.DimensionConnection] = quota.Rule{Enabled: true, Window: time.Minute, Max: 1}
	h := newHarness(t, rules, nil)

	h.dial(t, "/ws/chat")
	h.waitConnections(t, 1)
	second := h.dial(t, "/ws/chat")

	frame := readFrame(t, second)
	assert.Equal(t, string(relay.CodeRateLimited), frame["code"])

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestAPIChat(t *testing.T) {
	h := newHarness(t, defaultRules(), nil)

	resp, body := h.do(t, http.MethodPost, "/api/chat", `{"message":"hello","sessionId":"s1"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "answer to hello", body["token"])
	assert.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", resp.Header.Get("X-RateLimit-Remaining"))

	resp, body = h.do(t, http.MethodPost, "/api/chat", `{"message":"again"}`, map[string]string{quota.SessionHeader: "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s1", body["sessionId"])

	resp, body = h.do(t, http.MethodPost, "/api/chat", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(relay.CodeValidation), body["code"])
}

func TestAPIChatRateLimited(t *testing.T) {
	rules := defaultRules()
	rules[quota.DimensionAddress] = quota.Rule{Enabled: true, Window: time.Minute, Max: 1}
	h := newHarness(t, rules, nil)

	resp, _ := h.do(t, http.MethodPost, "/api/chat", `{"message":"a","sessionId":"s1"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/api/chat", `{"message":"b","sessionId":"s1"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, string(relay.CodeRateLimited), body["code"])
	assert.Equal(t, true, body["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestSessionRoutes(t *testing.T) {
	h := newHarness(t, defaultRules(), nil)
	ctx := context.Background()

	resp, _ := h.do(t, http.MethodPost, "/api/chat", `{"message":"hello","sessionId":"s1"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/api/sessions/s1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s1", body["sessionId"])
	assert.Equal(t, "127.0.0.1", body["clientAddress"])
	assert.EqualValues(t, 1, body["messageCount"])

	resp, body = h.do(t, http.MethodGet, "/api/sessions/s1/last", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "answer to hello", body["content"])

	_, err := h.sessions.Create(ctx, "other", "10.9.9.9", "")
	require.NoError(t, err)
	resp, body = h.do(t, http.MethodGet, "/api/sessions/other", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(relay.CodeInvalidSession), body["code"])

	resp, body = h.do(t, http.MethodGet, "/api/sessions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(relay.CodeSessionNotFound), body["code"])

	resp, _ = h.do(t, http.MethodDelete, "/api/sessions/s1", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/api/sessions/s1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsAreCached(t *testing.T) {
	h := newHarness(t, defaultRules(), nil)
	h.dial(t, "/ws/chat")
	h.waitConnections(t, 1)

	resp, first := h.do(t, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, first["connections"])
	assert.Equal(t, "healthy", first["store"].(map[string]any)["mode"])

	h.dial(t, "/ws/chat")
	h.waitConnections(t, 2)
	_, second := h.do(t, http.MethodGet, "/api/stats", "", nil)
	assert.Equal(t, first["generatedAt"], second["generatedAt"])
	assert.EqualValues(t, 1, second["connections"])
}

func TestAdminRoutes(t *testing.T) {
	rules := defaultRules()
	rules[quota.DimensionAddress] = quota.Rule{Enabled: true, Window: time.Minute, Max: 2}
	h := newHarness(t, rules, nil)
	auth := map[string]string{"Authorization": "Bearer " + adminToken}

	resp, _ := h.do(t, http.MethodPost, "/admin/quota/reset", `{"identifier":"127.0.0.1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/admin/quota/reset", `{"identifier":"127.0.0.1"}`, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	h.do(t, http.MethodPost, "/api/chat", `{"message":"a","sessionId":"s1"}`, nil)
	resp, _ = h.do(t, http.MethodPost, "/api/chat", `{"message":"b","sessionId":"s1"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/api/chat", `{"message":"c","sessionId":"s1"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/admin/quota/reset", `{"identifier":"127.0.0.1"}`, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["deleted"])

	resp, _ = h.do(t, http.MethodPost, "/api/chat", `{"message":"d","sessionId":"s1"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/admin/quota/reset", `{}`, auth)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(relay.CodeValidation), body["code"])

	resp, _ = h.do(t, http.MethodDelete, "/admin/cache", "", auth)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, http.MethodDelete, "/admin/cache?pattern=last:*", "", auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["deleted"])

	resp, _ = h.do(t, http.MethodGet, "/api/sessions/s1/last", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	h := newHarness(t, defaultRules(), func(c *config.ServerConfig) { c.AdminToken = "" })

	resp, _ := h.do(t, http.MethodPost, "/admin/quota/reset", `{"identifier":"x"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, defaultRules(), nil)

	resp, body := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "healthy", body["store"])

	resp, body = h.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["store"].(map[string]any)["mode"])
}

func TestReadyReportsDegradedStore(t *testing.T) {
	h := newHarnessWithStore(t, storetest.NewUnreachable(t), nil, defaultRules(), nil)

	resp, body := h.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "degraded", body["store"].(map[string]any)["mode"])

	resp, body = h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "degraded", body["store"])
}

func TestChatFailsOpenWithUnreachableStore(t *testing.T) {
	h := newHarnessWithStore(t, storetest.NewUnreachable(t), nil, defaultRules(), nil)
	ws := h.dial(t, "/ws/chat")

	require.NoError(t, ws.WriteJSON(map[string]any{"message": "hi", "sessionId": "s1"}))
	frame := readFrame(t, ws)
	assert.Equal(t, "answer to hi", frame["token"])
}

func TestLogSocketFiltersByJob(t *testing.T) {
	h := newHarness(t, defaultRules(), nil)
	all := h.dial(t, "/ws/logs")
	job := h.dial(t, "/ws/logs?jobId=j1")
	require.Eventually(t, func() bool { return h.server.Logs().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.True(t, h.store.Publish(ctx, server.DefaultLogsChannel, []byte(`{"jobId":"j2","timestamp":1,"msg":"other","level":"info"}`)))
	require.True(t, h.store.Publish(ctx, server.DefaultLogsChannel, []byte(`{"jobId":"j1","timestamp":2,"msg":"mine","level":"warn"}`)))

	frame := readFrame(t, job)
	assert.Equal(t, "j1", frame["jobId"])
	assert.Equal(t, "mine", frame["msg"])
	assert.Equal(t, "warn", frame["level"])
	assert.EqualValues(t, 2, frame["timestamp"])

	assert.Equal(t, "other", readFrame(t, all)["msg"])
	assert.Equal(t, "mine", readFrame(t, all)["msg"])
	assertNoFrame(t, job)
}

func TestShutdownClosesSockets(t *testing.T) {
	h := newHarness(t, defaultRules(), nil)
	ws := h.dial(t, "/ws/chat")
	require.NoError(t, ws.WriteJSON(map[string]any{"message": "hi", "sessionId": "s1"}))
	readFrame(t, ws)

	var wg sync.WaitGroup
	wg.Add(1)
	var readErr error
	go func() {
		defer wg.Done()
		_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, readErr = ws.ReadMessage()
	}()

	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
		h.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	wg.Wait()
	assert.True(t, websocket.IsCloseError(readErr, websocket.CloseNormalClosure), "got %v", readErr)
}
