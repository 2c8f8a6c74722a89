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

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/logger"
	"github.com/davel-ai/gateway/pkg/observability"
)

// Data types with their own TTL.
const (
	TypeEnvelope = "envelope"
	TypeStats    = "stats"
)

// memoryWarnRatio of max memory at which the cache reports degraded.
const memoryWarnRatio = 0.9

// Service is the cache. Store failures count as misses and errors; they
// are never returned to the caller.
type Service struct {
	store   *coordination.Store
	cfg     config.CacheConfig
	now     func() time.Time
	logger  *slog.Logger
	metrics observability.Metrics

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	hits, misses, sets, deletes, errors atomic.Int64
	window                              *hitWindow
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

// NewService creates a cache over store. Zero fields of cfg take their
// defaults.
func NewService(store *coordination.Store, cfg config.CacheConfig, opts ...Option) (*Service, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(cfg.MaxValueSize)*64))
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Service{
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		encoder: encoder,
		decoder: decoder,
		window:  newHitWindow(cfg.HitRateWindow),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.GetLogger()
	}
	s.logger = s.logger.With("component", "cache")
	if s.metrics == nil {
		s.metrics = observability.GetGlobalMetrics()
	}
	return s, nil
}

// Close releases the compression resources.
func (s *Service) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

func (s *Service) key(k string) string { return s.cfg.KeyPrefix + k }

// TTLFor returns the TTL configured for dataType, or the default TTL.
func (s *Service) TTLFor(dataType string) time.Duration {
	if ttl, ok := s.cfg.TTLs[dataType]; ok {
		return ttl
	}
	return s.cfg.DefaultTTL
}

// Set stores value as JSON under key. ttl <= 0 uses the default TTL.
// ttl is stored in whole seconds, rounded up.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	ttlSeconds := int64((ttl + time.Second - 1) / time.Second)

	payload, err := json.Marshal(value)
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	rec := record{Value: payload, TTLSeconds: ttlSeconds}
	if len(payload) > s.cfg.CompressionThreshold {
		rec.Value = s.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		rec.Compressed = true
	}
	rec.Size = len(rec.Value)
	if rec.Size > s.cfg.MaxValueSize {
		s.errors.Add(1)
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrValueTooLarge, rec.Size, s.cfg.MaxValueSize)
	}
	nowMs := s.now().UnixMilli()
	rec.CreatedAt, rec.LastAccessed = nowMs, nowMs

	data, err := json.Marshal(rec)
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if !s.store.Set(ctx, s.key(key), string(data), time.Duration(ttlSeconds)*time.Second) {
		s.errors.Add(1)
		return nil
	}
	s.sets.Add(1)
	return nil
}

func (s *Service) lookup(ctx context.Context, hit bool) {
	if hit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	s.window.add(hit)
	s.metrics.RecordCacheLookup(ctx, hit)
}

// load reads and checks the stored entry. It reports a miss for missing,
// expired or unreadable entries; the latter two are deleted.
func (s *Service) load(ctx context.Context, key string) (*record, error) {
	raw, ok := s.store.Get(ctx, s.key(key))
	if !ok {
		return nil, nil
	}
	rec := record{raw: raw}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.errors.Add(1)
		s.store.Delete(ctx, s.key(key))
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, key, err)
	}
	if rec.expired(s.now()) {
		s.store.Delete(ctx, s.key(key))
		return nil, nil
	}
	return &rec, nil
}

// Get decodes the value stored under key into dest and reports whether it
// was found.
func (s *Service) Get(ctx context.Context, key string, dest any) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	rec, err := s.load(ctx, key)
	if rec == nil {
		s.lookup(ctx, false)
		return false, err
	}

	payload := rec.Value
	if rec.Compressed {
		payload, err = s.decoder.DecodeAll(rec.Value, nil)
		if err != nil {
			s.errors.Add(1)
			s.lookup(ctx, false)
			s.store.Delete(ctx, s.key(key))
			return false, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, key, err)
		}
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		s.errors.Add(1)
		s.lookup(ctx, false)
		return false, fmt.Errorf("failed to decode cache value %s: %w", key, err)
	}
	s.lookup(ctx, true)
	s.touch(ctx, key, rec)
	return true, nil
}

// touch writes back lastAccessed, keeping the remaining TTL. Nothing is
// written when the entry was deleted or replaced since it was read.
func (s *Service) touch(ctx context.Context, key string, rec *record) {
	now := s.now()
	remaining := time.UnixMilli(rec.CreatedAt).Add(time.Duration(rec.TTLSeconds) * time.Second).Sub(now)
	if remaining < time.Second {
		return
	}
	rec.LastAccessed = now.UnixMilli()
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	s.store.CompareAndSet(ctx, s.key(key), rec.raw, string(data), remaining)
}

// Stat returns the entry metadata without decoding the value or counting
// a lookup.
func (s *Service) Stat(ctx context.Context, key string) (*Entry, bool) {
	rec, _ := s.load(ctx, key)
	if rec == nil {
		return nil, false
	}
	return &Entry{
		Key:          key,
		TTL:          time.Duration(rec.TTLSeconds) * time.Second,
		Compressed:   rec.Compressed,
		SizeBytes:    rec.Size,
		CreatedAt:    time.UnixMilli(rec.CreatedAt),
		LastAccessed: time.UnixMilli(rec.LastAccessed),
	}, true
}

// Delete removes key and reports whether it existed.
func (s *Service) Delete(ctx context.Context, key string) bool {
	if s.store.Delete(ctx, s.key(key)) == 0 {
		return false
	}
	s.deletes.Add(1)
	return true
}

// DeletePattern removes every key in the cache namespace matching the glob
// pattern and returns how many were deleted.
func (s *Service) DeletePattern(ctx context.Context, pattern string) int64 {
	var keys []string
	seen := make(map[string]struct{})
	s.store.Scan(ctx, s.key(pattern), s.cfg.ScanBatchSize, func(batch []string) bool {
		for _, k := range batch {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
		return true
	})

	var deleted int64
	for start := 0; start < len(keys); start += s.cfg.DeleteBatchSize {
		end := min(start+s.cfg.DeleteBatchSize, len(keys))
		deleted += s.store.Delete(ctx, keys[start:end]...)
	}
	s.deletes.Add(deleted)
	if deleted > 0 {
		s.logger.Debug("cache invalidated", "pattern", pattern, "deleted", deleted)
	}
	return deleted
}

// Clear removes every cache entry.
func (s *Service) Clear(ctx context.Context) int64 {
	return s.DeletePattern(ctx, "*")
}

// Stats returns the counters and the rolling hit rate.
func (s *Service) Stats() Stats {
	rate, samples := s.window.rate()
	return Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Sets:    s.sets.Load(),
		Deletes: s.deletes.Load(),
		Errors:  s.errors.Load(),
		HitRate: rate,
		Samples: samples,
	}
}

// Health reports degraded when the hit rate is below the minimum after
// enough samples, when store memory is near its limit, or when the store
// is failing open.
func (s *Service) Health(ctx context.Context) Health {
	rate, samples := s.window.rate()
	h := Health{HitRate: rate}

	if samples >= s.cfg.MinSamples && rate < s.cfg.MinHitRate {
		h.Issues = append(h.Issues, fmt.Sprintf("hit rate %.2f below %.2f", rate, s.cfg.MinHitRate))
	}
	if used, ok := s.store.MemoryUsage(ctx); ok {
		h.MemoryUsage = used
		if float64(used) >= memoryWarnRatio*float64(s.cfg.MaxMemory) {
			h.Issues = append(h.Issues, fmt.Sprintf("memory usage %d bytes at or above %.0f%% of %d", used, memoryWarnRatio*100, s.cfg.MaxMemory))
		}
	}
	if s.store.Mode() == coordination.ModeDegraded {
		h.Issues = append(h.Issues, "coordination store degraded")
	}
	h.Healthy = len(h.Issues) == 0
	return h
}
