// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quota

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// SessionHeader carries the session id on request/response calls.
const SessionHeader = "X-Session-ID"

// AddressFunc resolves the client address of a request.
type AddressFunc func(r *http.Request) string

// RemoteAddress returns the host part of r.RemoteAddr.
func RemoteAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RoutePattern returns the method and chi route template of r, such as
// "GET /api/sessions/{id}", so every path of a route shares one endpoint
// counter. Outside a chi router, or for unmatched paths, the raw path is
// used.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.Routes != nil {
		if pattern := rctx.Routes.Find(chi.NewRouteContext(), r.Method, r.URL.Path); pattern != "" {
			return r.Method + " " + pattern
		}
	}
	return r.Method + " " + r.URL.Path
}

// MiddlewareConfig configures the quota middleware.
type MiddlewareConfig struct {
	// Service evaluates the rules. A nil Service disables the middleware.
	Service *Service

	// AddressFunc resolves the client address. Default: RemoteAddress.
	AddressFunc AddressFunc

	// EndpointFunc names the endpoint counter of a request.
	// Default: RoutePattern.
	EndpointFunc func(r *http.Request) string

	// ExcludedPaths bypass quota checks.
	ExcludedPaths []string

	// OnLimited writes the rejection. If nil, a default JSON 429 is sent.
	OnLimited func(w http.ResponseWriter, r *http.Request, result *Result)

	Logger *slog.Logger
}

// RequestsFor builds the global, address, endpoint and (when the session
// header is present) session requests for r.
func RequestsFor(r *http.Request, address, endpoint string) []Request {
	reqs := []Request{
		{Dimension: DimensionGlobal, Identifier: "all"},
		{Dimension: DimensionEndpoint, Identifier: endpoint},
	}
	if address != "" {
		reqs = append(reqs, Request{Dimension: DimensionAddress, Identifier: address})
	}
	if sessionID := r.Header.Get(SessionHeader); sessionID != "" {
		reqs = append(reqs, Request{Dimension: DimensionSession, Identifier: sessionID})
	}
	return reqs
}

// Middleware enforces quota rules on the request path and writes the
// X-RateLimit-* headers of the most restrictive rule.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Service == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	if cfg.AddressFunc == nil {
		cfg.AddressFunc = RemoteAddress
	}
	if cfg.EndpointFunc == nil {
		cfg.EndpointFunc = RoutePattern
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = defaultOnLimited
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	excludedPaths := make(map[string]bool)
	for _, path := range cfg.ExcludedPaths {
		excludedPaths[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excludedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			result, err := cfg.Service.CheckAndRecord(ctx, RequestsFor(r, cfg.AddressFunc(r), cfg.EndpointFunc(r))...)
			if err != nil {
				cfg.Logger.Error("quota check failed", "error", err, "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}

			r = r.WithContext(context.WithValue(ctx, resultKey{}, result))

			if result.IsExceeded() {
				cfg.OnLimited(w, r, result)
				return
			}

			WriteHeaders(w, result)
			next.ServeHTTP(w, r)
		})
	}
}

type resultKey struct{}

// ResultFromContext returns the middleware's decision for this request.
func ResultFromContext(ctx context.Context) *Result {
	if result, ok := ctx.Value(resultKey{}).(*Result); ok {
		return result
	}
	return nil
}

// WriteHeaders sets the X-RateLimit-* headers, and Retry-After for a
// rejection. Unlimited results write nothing.
func WriteHeaders(w http.ResponseWriter, result *Result) {
	if result == nil || result.Unlimited {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime, 10))
	if !result.Allowed && result.RetryAfter > 0 {
		h.Set("Retry-After", strconv.FormatInt(result.RetryAfter, 10))
	}
}

func defaultOnLimited(w http.ResponseWriter, _ *http.Request, result *Result) {
	WriteHeaders(w, result)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]any{
		"error": map[string]any{
			"code":      "rate_limit_exceeded",
			"message":   NewRateLimitError(result).Error(),
			"dimension": result.Dimension,
		},
		"retry_after_seconds": result.RetryAfter,
		"resets_at":           time.Unix(result.ResetTime, 0).UTC().Format(time.RFC3339),
	}
	_ = json.NewEncoder(w).Encode(response)
}
