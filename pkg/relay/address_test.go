package relay

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davel-ai/gateway/pkg/quota"
)

func TestClientAddress(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/chat", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "192.0.2.7", ClientAddress(r, false), "forwarded header ignored unless trusted")
	assert.Equal(t, "203.0.113.9", ClientAddress(r, true))

	r.Header.Del("X-Forwarded-For")
	r.Header.Set("X-Real-IP", "203.0.113.10")
	assert.Equal(t, "203.0.113.10", ClientAddress(r, true))

	r.Header.Del("X-Real-IP")
	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientAddress(r, true))

	r.Header.Set("User-Agent", "test-agent")
	info := ClientInfoFrom(r, "c1", false)
	assert.Equal(t, ClientInfo{ConnectionID: "c1", Address: "2001:db8::1", UserAgent: "test-agent"}, info)
}

func TestErrorFrame(t *testing.T) {
	err := AsError(assert.AnError)
	assert.Equal(t, CodeInternal, err.Code)
	assert.ErrorIs(t, err, assert.AnError)

	e := &Error{Code: CodeRateLimited, Message: "slow down", RetryAfter: 12}
	assert.Same(t, e, AsError(e))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED: slow down", e.Error())

	limited := AsError(quota.NewRateLimitError(&quota.Result{Dimension: quota.DimensionMessage, RetryAfter: 7}))
	assert.Equal(t, CodeRateLimited, limited.Code)
	assert.EqualValues(t, 7, limited.RetryAfter)
	assert.Equal(t, "rate limit exceeded for message, retry after 7s", limited.Message)
	assert.ErrorIs(t, limited, quota.ErrRateLimitExceeded)
}
