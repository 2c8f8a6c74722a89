// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordination

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davel-ai/gateway/pkg/logger"
	"github.com/davel-ai/gateway/pkg/observability"
)

// Mode is the health of the connection to the backend as observed by Store.
type Mode int32

const (
	ModeHealthy Mode = iota
	ModeDegraded
)

func (m Mode) String() string {
	if m == ModeDegraded {
		return "degraded"
	}
	return "healthy"
}

const (
	defaultOpTimeout     = 2 * time.Second
	defaultScanBatchSize = 100
	defaultMinBackoff    = 100 * time.Millisecond
	defaultMaxBackoff    = 30 * time.Second
)

// Options configures a Store.
type Options struct {
	// OpTimeout bounds every backend call. Default 2s.
	OpTimeout time.Duration

	// ScanBatchSize is the COUNT hint for pattern enumeration. Default 100.
	ScanBatchSize int64

	// MaxBackoff caps the delay between re-subscribe attempts. Default 30s.
	MaxBackoff time.Duration

	Logger  *slog.Logger
	Metrics observability.Metrics
}

// Status is a snapshot of the Store's failure tracking.
type Status struct {
	Mode        string    `json:"mode"`
	Failures    int64     `json:"failures"`
	LastError   string    `json:"lastError,omitempty"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

// Store is the fail-open facade over a Backend. Connectivity failures are
// logged, counted and replaced by neutral results: reads come back empty,
// writes become no-ops.
type Store struct {
	backend    Backend
	opTimeout  time.Duration
	scanBatch  int64
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	metrics    observability.Metrics

	mode     atomic.Int32
	failures atomic.Int64

	mu          sync.Mutex
	lastErr     string
	lastFailure time.Time
}

// New wraps backend.
func New(backend Backend, opts Options) *Store {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.ScanBatchSize <= 0 {
		opts.ScanBatchSize = defaultScanBatchSize
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}
	return &Store{
		backend:    backend,
		opTimeout:  opts.OpTimeout,
		scanBatch:  opts.ScanBatchSize,
		minBackoff: defaultMinBackoff,
		maxBackoff: opts.MaxBackoff,
		logger:     opts.Logger.With("component", "coordination"),
		metrics:    opts.Metrics,
	}
}

// Backend returns the wrapped backend.
func (s *Store) Backend() Backend { return s.backend }

// Mode reports whether the last backend call succeeded.
func (s *Store) Mode() Mode { return Mode(s.mode.Load()) }

// Status returns failure tracking details for health reporting.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Mode:        s.Mode().String(),
		Failures:    s.failures.Load(),
		LastError:   s.lastErr,
		LastFailure: s.lastFailure,
	}
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) recordMetrics() observability.Metrics {
	if s.metrics != nil {
		return s.metrics
	}
	return observability.GetGlobalMetrics()
}

// outcome classifies err and updates mode. It returns true when the call
// succeeded, or failed only because the server rejected the command.
func (s *Store) outcome(ctx context.Context, op, key string, err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		s.healthy()
		return err == nil
	}

	// The caller gave up; nothing is known about the store.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return false
	}

	if errors.Is(err, ErrRejected) || errors.Is(err, ErrNotInteger) {
		s.healthy()
		s.logger.Warn("coordination store rejected command", "op", op, "key", key, "error", err)
		return false
	}

	s.failures.Add(1)
	s.recordMetrics().RecordStoreFailure(ctx, op)

	s.mu.Lock()
	s.lastErr = err.Error()
	s.lastFailure = time.Now()
	s.mu.Unlock()

	if s.mode.Swap(int32(ModeDegraded)) == int32(ModeHealthy) {
		s.logger.Warn("coordination store unavailable, failing open", "op", op, "error", err)
	}
	s.logger.Warn("coordination store operation failed", "op", op, "key", key, "error", err)
	return false
}

func (s *Store) healthy() {
	if s.mode.Swap(int32(ModeHealthy)) == int32(ModeDegraded) {
		s.logger.Info("coordination store recovered")
	}
}

// Get returns the value and whether it was found.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	v, err := s.backend.Get(opCtx, key)
	if !s.outcome(ctx, "get", key, err) {
		return "", false
	}
	return v, true
}

// Set stores value with ttl (<= 0 for none) and reports whether it was written.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.outcome(ctx, "set", key, s.backend.Set(opCtx, key, value, ttl))
}

// CompareAndSet writes value only while key still holds old. It reports
// whether the value was written; a failed store reports false.
func (s *Store) CompareAndSet(ctx context.Context, key, old, value string, ttl time.Duration) bool {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	ok, err := s.backend.CompareAndSet(opCtx, key, old, value, ttl)
	return s.outcome(ctx, "cas", key, err) && ok
}

// Increment returns the new value. On failure it returns 0, false.
func (s *Store) Increment(ctx context.Context, key string) (int64, bool) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := s.backend.Incr(opCtx, key)
	if !s.outcome(ctx, "incr", key, err) {
		return 0, false
	}
	return n, true
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.outcome(ctx, "expire", key, s.backend.Expire(opCtx, key, ttl))
}

// TTL returns the remaining time to live. ok is false when the key is
// missing or the store failed; NoExpiry is returned for persistent keys.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	d, err := s.backend.TTL(opCtx, key)
	if !s.outcome(ctx, "ttl", key, err) {
		return 0, false
	}
	return d, true
}

// Delete removes keys and returns how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) int64 {
	if len(keys) == 0 {
		return 0
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := s.backend.Del(opCtx, keys...)
	if !s.outcome(ctx, "del", keys[0], err) {
		return 0
	}
	return n
}

// Scan calls fn with successive batches of keys matching pattern until the
// iteration ends, fn returns false, or the store fails. batchSize <= 0 uses
// the configured default.
func (s *Store) Scan(ctx context.Context, pattern string, batchSize int64, fn func(keys []string) bool) {
	if batchSize <= 0 {
		batchSize = s.scanBatch
	}
	var cursor uint64
	for {
		if ctx.Err() != nil {
			return
		}
		opCtx, cancel := s.opContext(ctx)
		keys, next, err := s.backend.Scan(opCtx, cursor, pattern, batchSize)
		cancel()
		if !s.outcome(ctx, "scan", pattern, err) {
			return
		}
		if len(keys) > 0 && !fn(keys) {
			return
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

// KeysMatching collects every key matching pattern.
func (s *Store) KeysMatching(ctx context.Context, pattern string) []string {
	seen := make(map[string]struct{})
	var out []string
	s.Scan(ctx, pattern, 0, func(keys []string) bool {
		for _, k := range keys {
			// SCAN may return a key more than once
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
		return true
	})
	return out
}

func (s *Store) SetAdd(ctx context.Context, key string, members ...string) bool {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.outcome(ctx, "sadd", key, s.backend.SAdd(opCtx, key, members...))
}

func (s *Store) SetRemove(ctx context.Context, key string, members ...string) bool {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.outcome(ctx, "srem", key, s.backend.SRem(opCtx, key, members...))
}

func (s *Store) SetMembers(ctx context.Context, key string) []string {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	m, err := s.backend.SMembers(opCtx, key)
	if !s.outcome(ctx, "smembers", key, err) {
		return nil
	}
	return m
}

// Publish reports whether the payload reached the store.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) bool {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.outcome(ctx, "publish", channel, s.backend.Publish(opCtx, channel, payload))
}

// Subscribe delivers every payload on channel to handler until ctx is
// cancelled. Lost or failed subscriptions are retried with exponential
// backoff. Handler runs on the subscription goroutine.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) {
	backoff := s.minBackoff
	for ctx.Err() == nil {
		sub, err := s.backend.Subscribe(ctx, channel)
		if !s.outcome(ctx, "subscribe", channel, err) {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("subscribe failed, retrying", "channel", channel, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}

		backoff = s.minBackoff
		s.logger.Debug("subscribed", "channel", channel)
		s.drain(ctx, sub, handler)
		_ = sub.Close()

		if ctx.Err() == nil {
			s.logger.Warn("subscription ended, resubscribing", "channel", channel)
		}
	}
}

func (s *Store) drain(ctx context.Context, sub Subscription, handler func([]byte)) {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				return
			}
			handler(payload)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Ping checks connectivity. Unlike the other operations it returns the error.
func (s *Store) Ping(ctx context.Context) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	err := s.backend.Ping(opCtx)
	s.outcome(ctx, "ping", "", err)
	return err
}

// MemoryUsage reports the bytes used by the store, if known.
func (s *Store) MemoryUsage(ctx context.Context) (int64, bool) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := s.backend.MemoryUsage(opCtx)
	if !s.outcome(ctx, "memory", "", err) {
		return 0, false
	}
	return n, true
}

func (s *Store) Close() error {
	return s.backend.Close()
}
