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
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/logger"
	"github.com/davel-ai/gateway/pkg/observability"
)

// DefaultKeyPrefix namespaces every window counter.
const DefaultKeyPrefix = "quota"

const resetBatchSize = 100

// Service evaluates quota rules against counters in the coordination store.
// It is safe for concurrent use.
type Service struct {
	store   *coordination.Store
	prefix  string
	now     func() time.Time
	logger  *slog.Logger
	metrics observability.Metrics

	mu    sync.RWMutex
	rules Rules
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithKeyPrefix replaces DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Service) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewService creates a Service. rules are copied.
func NewService(store *coordination.Store, rules Rules, opts ...Option) *Service {
	s := &Service{
		store:  store,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
		rules:  copyRules(rules),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.GetLogger()
	}
	s.logger = s.logger.With("component", "quota")
	return s
}

func copyRules(rules Rules) Rules {
	out := make(Rules, len(rules))
	for d, r := range rules {
		out[d] = r
	}
	return out
}

// UpdateRules swaps the rule set. In-flight windows keep their counters.
func (s *Service) UpdateRules(rules Rules) error {
	if err := rules.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.rules = copyRules(rules)
	s.mu.Unlock()
	s.logger.Info("quota rules updated", "rules", len(rules))
	return nil
}

// Rules returns a copy of the active rules.
func (s *Service) Rules() Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRules(s.rules)
}

// Rule returns the active rule for a dimension.
func (s *Service) Rule(dim Dimension) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[dim]
	return r, ok
}

func (s *Service) metricsRecorder() observability.Metrics {
	if s.metrics != nil {
		return s.metrics
	}
	return observability.GetGlobalMetrics()
}

func validDimension(dim Dimension) bool {
	for _, d := range AllDimensions {
		if d == dim {
			return true
		}
	}
	return false
}

type window struct {
	startMs int64
	endMs   int64
	nowMs   int64
}

func (s *Service) windowFor(rule Rule) window {
	nowMs := s.now().UnixMilli()
	w := rule.Window.Milliseconds()
	start := (nowMs / w) * w
	return window{startMs: start, endMs: start + w, nowMs: nowMs}
}

func (s *Service) key(dim Dimension, identifier string, startMs int64) string {
	return s.prefix + ":" + string(dim) + ":" + identifier + ":" + strconv.FormatInt(startMs, 10)
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func (s *Service) resolve(req Request) (Rule, error) {
	if req.Identifier == "" {
		return Rule{}, fmt.Errorf("%w: empty identifier for %s", ErrInvalidIdentifier, req.Dimension)
	}
	if !validDimension(req.Dimension) {
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownDimension, req.Dimension)
	}
	rule, _ := s.Rule(req.Dimension)
	return rule, nil
}

// Check evaluates one rule without recording usage.
func (s *Service) Check(ctx context.Context, req Request) (*Result, error) {
	rule, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	res := &Result{Dimension: req.Dimension, Identifier: req.Identifier, Allowed: true}
	if !rule.Enabled {
		res.Unlimited = true
		return res, nil
	}

	win := s.windowFor(rule)
	var count int64
	if raw, ok := s.store.Get(ctx, s.key(req.Dimension, req.Identifier, win.startMs)); ok {
		count, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.logger.Warn("ignoring malformed quota counter", "dimension", req.Dimension, "identifier", req.Identifier, "value", raw)
			count = 0
		}
	}

	res.Limit = rule.Max
	res.Count = count
	res.ResetTime = ceilDiv(win.endMs, 1000)
	res.Allowed = count < rule.Max
	if res.Allowed {
		res.Remaining = rule.Max - count - 1
	} else {
		res.RetryAfter = ceilDiv(win.endMs-win.nowMs, 1000)
	}
	return res, nil
}

// CheckAll evaluates every request in parallel and returns the most
// restrictive result. With no requests the result is an unlimited admit.
func (s *Service) CheckAll(ctx context.Context, reqs ...Request) (*Result, error) {
	if len(reqs) == 0 {
		return &Result{Allowed: true, Unlimited: true}, nil
	}

	results := make([]*Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := s.Check(gctx, req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	worst := results[0]
	for _, r := range results[1:] {
		if moreRestrictive(r, worst) {
			worst = r
		}
	}
	return worst, nil
}

// Record counts one event against a rule. Disabled rules are not counted.
func (s *Service) Record(ctx context.Context, req Request) error {
	rule, err := s.resolve(req)
	if err != nil {
		return err
	}
	if !rule.Enabled {
		return nil
	}

	win := s.windowFor(rule)
	key := s.key(req.Dimension, req.Identifier, win.startMs)
	n, ok := s.store.Increment(ctx, key)
	if ok && n == 1 {
		ttl := time.Duration(rule.Window.Milliseconds()/1000+1) * time.Second
		s.store.Expire(ctx, key, ttl)
	}
	return nil
}

// RecordAll records every request.
func (s *Service) RecordAll(ctx context.Context, reqs ...Request) error {
	for _, req := range reqs {
		if err := s.Record(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// CheckAndRecord checks all requests and, when admitted, records them.
// A rejection is reported through the Result, not as an error.
func (s *Service) CheckAndRecord(ctx context.Context, reqs ...Request) (*Result, error) {
	res, err := s.CheckAll(ctx, reqs...)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		s.metricsRecorder().RecordQuotaRejection(ctx, string(res.Dimension))
		s.logger.Debug("request rejected", "dimension", res.Dimension, "identifier", res.Identifier,
			"count", res.Count, "limit", res.Limit, "retry_after", res.RetryAfter)
		return res, nil
	}
	if err := s.RecordAll(ctx, reqs...); err != nil {
		return nil, err
	}
	return res, nil
}

// Reset deletes every window counter for identifier across all dimensions
// and returns the number of keys removed.
func (s *Service) Reset(ctx context.Context, identifier string) (int64, error) {
	if identifier == "" {
		return 0, ErrInvalidIdentifier
	}

	var deleted int64
	for _, dim := range AllDimensions {
		base := s.prefix + ":" + string(dim) + ":" + identifier + ":"
		pattern := escapeGlob(base) + "[0-9]*"
		var batch []string
		s.store.Scan(ctx, pattern, resetBatchSize, func(keys []string) bool {
			for _, k := range keys {
				// the pattern also matches longer identifiers sharing this prefix
				if isDigits(strings.TrimPrefix(k, base)) && !slices.Contains(batch, k) {
					batch = append(batch, k)
				}
			}
			return true
		})
		// delete after the scan so cursors are not disturbed
		for chunk := range slices.Chunk(batch, resetBatchSize) {
			deleted += s.store.Delete(ctx, chunk...)
		}
	}

	s.logger.Info("quota reset", "identifier", identifier, "keys", deleted)
	return deleted, nil
}

// escapeGlob escapes glob metacharacters so identifier matches literally.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '{', '}':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
