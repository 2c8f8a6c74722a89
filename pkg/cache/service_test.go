package cache_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davel-ai/gateway/pkg/cache"
	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/coordination/storetest"
	"github.com/davel-ai/gateway/pkg/logger"
)

type payload struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

type fixture struct {
	cache *cache.Service
	store *coordination.Store
	now   time.Time
}

func newFixture(t *testing.T, store *coordination.Store, mutate func(*config.CacheConfig)) *fixture {
	t.Helper()
	f := &fixture{store: store, now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := config.CacheConfig{CompressionThreshold: 256, MaxValueSize: 4096, MinSamples: 4, HitRateWindow: 10}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := cache.NewService(store, cfg,
		cache.WithClock(func() time.Time { return f.now }),
		cache.WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	f.cache = svc
	return f
}

func TestRoundTripSmall(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.NewRedis(t)
	f := newFixture(t, store, nil)

	in := payload{Name: "small", Items: []string{"a", "b"}}
	require.NoError(t, f.cache.Set(ctx, "k1", in, time.Minute))

	var out payload
	found, err := f.cache.Get(ctx, "k1", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)

	entry, ok := f.cache.Stat(ctx, "k1")
	require.True(t, ok)
	assert.False(t, entry.Compressed)
	assert.Equal(t, time.Minute, entry.TTL)

	ttl, ok := store.TTL(ctx, "cache:k1")
	require.True(t, ok)
	assert.Equal(t, time.Minute, ttl)
}

func TestRoundTripCompressed(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.NewRedis(t)
	f := newFixture(t, store, nil)

	in := payload{Name: strings.Repeat("compressible ", 200)}
	require.NoError(t, f.cache.Set(ctx, "big", in, time.Minute))

	entry, ok := f.cache.Stat(ctx, "big")
	require.True(t, ok)
	assert.True(t, entry.Compressed)
	assert.Less(t, entry.SizeBytes, len(in.Name))

	var out payload
	found, err := f.cache.Get(ctx, "big", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)
}

func TestValueTooLarge(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.NewMemory(t)
	f := newFixture(t, store, func(c *config.CacheConfig) { c.CompressionThreshold = 1 << 20 })

	err := f.cache.Set(ctx, "huge", strings.Repeat("x", 5000), time.Minute)
	require.ErrorIs(t, err, cache.ErrValueTooLarge)

	var out string
	found, err := f.cache.Get(ctx, "huge", &out)
	require.NoError(t, err)
	assert.False(t, found, "nothing is stored")
	assert.Equal(t, int64(1), f.cache.Stats().Errors)
}

func TestLogicalExpiry(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.NewMemory(t)
	f := newFixture(t, store, nil)

	require.NoError(t, f.cache.Set(ctx, "k", "v", 10*time.Second))
	// The backing store runs on the real clock and still holds the entry.
	f.now = f.now.Add(11 * time.Second)

	var out string
	found, err := f.cache.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, found)
	_, stillThere := store.Get(ctx, "cache:k")
	assert.False(t, stillThere)
}

func TestGetRefreshesLastAccessed(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.NewRedis(t)
	f := newFixture(t, store, nil)

	require.NoError(t, f.cache.Set(ctx, "k", "v", time.Minute))
	created := f.now
	f.now = f.now.Add(20 * time.Second)

	var out string
	found, err := f.cache.Get(ctx, "k", &out)
	require.NoError(t, err)
	require.True(t, found)

	entry, ok := f.cache.Stat(ctx, "k")
	require.True(t, ok)
	assert.True(t, entry.CreatedAt.Equal(created))
	assert.True(t, entry.LastAccessed.Equal(f.now))

	ttl, ok := store.TTL(ctx, "cache:k")
	require.True(t, ok)
	assert.Equal(t, 40*time.Second, ttl, "remaining ttl is kept")
}

// pausingBackend holds the first Get after reading until resume is closed.
type pausingBackend struct {
	*coordination.MemoryBackend
	pause  atomic.Bool
	read   chan struct{}
	resume chan struct{}
}

func (b *pausingBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := b.MemoryBackend.Get(ctx, key)
	if b.pause.CompareAndSwap(true, false) {
		close(b.read)
		<-b.resume
	}
	return v, err
}

func newPausingFixture(t *testing.T) (*fixture, *pausingBackend) {
	t.Helper()
	backend := &pausingBackend{
		MemoryBackend: coordination.NewMemoryBackend(),
		read:          make(chan struct{}),
		resume:        make(chan struct{}),
	}
	store := coordination.New(backend, coordination.Options{OpTimeout: 5 * time.Second, Logger: logger.Discard()})
	t.Cleanup(func() { _ = store.Close() })
	return newFixture(t, store, nil), backend
}

func TestGetDoesNotResurrectDeletedEntry(t *testing.T) {
	ctx := context.Background()
	f, backend := newPausingFixture(t)
	require.NoError(t, f.cache.Set(ctx, "k", "v", time.Minute))

	backend.pause.Store(true)
	done := make(chan bool)
	go func() {
		var out string
		found, _ := f.cache.Get(ctx, "k", &out)
		done <- found
	}()

	<-backend.read
	assert.EqualValues(t, 1, f.cache.DeletePattern(ctx, "k*"))
	close(backend.resume)
	assert.True(t, <-done)

	_, ok := f.cache.Stat(ctx, "k")
	assert.False(t, ok, "deleted entry must stay deleted")
}

func TestGetDoesNotOverwriteNewerValue(t *testing.T) {
	ctx := context.Background()
	f, backend := newPausingFixture(t)
	require.NoError(t, f.cache.Set(ctx, "k", "old", time.Minute))

	backend.pause.Store(true)
	done := make(chan string)
	go func() {
		var out string
		_, _ = f.cache.Get(ctx, "k", &out)
		done <- out
	}()

	<-backend.read
	require.NoError(t, f.cache.Set(ctx, "k", "new", time.Minute))
	close(backend.resume)
	assert.Equal(t, "old", <-done)

	var out string
	found, err := f.cache.Get(ctx, "k", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", out)
}

func TestDeleteAndPattern(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.NewRedis(t)
	f := newFixture(t, store, func(c *config.CacheConfig) {
		c.ScanBatchSize = 2
		c.DeleteBatchSize = 2
	})

	for _, k := range []string{"user:1", "user:2", "user:3", "user:4", "user:5", "other:1"} {
		require.NoError(t, f.cache.Set(ctx, k, k, time.Minute))
	}
	require.True(t, store.Set(ctx, "unrelated", "x", 0))

	assert.Equal(t, int64(5), f.cache.DeletePattern(ctx, "user:*"))

	var out string
	found, _ := f.cache.Get(ctx, "user:3", &out)
	assert.False(t, found)
	found, _ = f.cache.Get(ctx, "other:1", &out)
	assert.True(t, found)

	assert.True(t, f.cache.Delete(ctx, "other:1"))
	assert.False(t, f.cache.Delete(ctx, "other:1"))

	require.NoError(t, f.cache.Set(ctx, "again", 1, time.Minute))
	assert.Equal(t, int64(1), f.cache.Clear(ctx))

	_, ok := store.Get(ctx, "unrelated")
	assert.True(t, ok, "keys outside the namespace survive Clear")
	assert.Equal(t, int64(7), f.cache.Stats().Deletes)
}

func TestTTLFor(t *testing.T) {
	store, _ := storetest.NewMemory(t)
	f := newFixture(t, store, nil)

	assert.Equal(t, 10*time.Minute, f.cache.TTLFor(cache.TypeEnvelope))
	assert.Equal(t, 15*time.Second, f.cache.TTLFor(cache.TypeStats))
	assert.Equal(t, 5*time.Minute, f.cache.TTLFor("unknown"))
}

func TestCorruptEntry(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.NewMemory(t)
	f := newFixture(t, store, nil)

	require.True(t, store.Set(ctx, "cache:bad", "{not json", time.Minute))
	var out string
	found, err := f.cache.Get(ctx, "bad", &out)
	assert.False(t, found)
	assert.ErrorIs(t, err, cache.ErrCorruptEntry)
	_, ok := store.Get(ctx, "cache:bad")
	assert.False(t, ok)
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.NewMemory(t)
	f := newFixture(t, store, func(c *config.CacheConfig) { c.MaxMemory = 1 << 30 })

	var out string
	for range 3 {
		_, _ = f.cache.Get(ctx, "missing", &out)
	}
	h := f.cache.Health(ctx)
	assert.True(t, h.Healthy, "below the minimum sample count")

	_, _ = f.cache.Get(ctx, "missing", &out)
	h = f.cache.Health(ctx)
	assert.False(t, h.Healthy)
	require.Len(t, h.Issues, 1)
	assert.Contains(t, h.Issues[0], "hit rate")

	stats := f.cache.Stats()
	assert.Equal(t, int64(4), stats.Misses)
	assert.Zero(t, stats.HitRate)
}

func TestHealthMemory(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.NewMemory(t)
	f := newFixture(t, store, func(c *config.CacheConfig) { c.MaxMemory = 100 })

	require.NoError(t, f.cache.Set(ctx, "k", strings.Repeat("v", 200), time.Minute))
	h := f.cache.Health(ctx)
	assert.False(t, h.Healthy)
	assert.Greater(t, h.MemoryUsage, int64(90))
	assert.Contains(t, strings.Join(h.Issues, ";"), "memory usage")
}

func TestFailOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storetest.NewUnreachable(t), nil)

	require.NoError(t, f.cache.Set(ctx, "k", "v", time.Minute))
	var out string
	found, err := f.cache.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, f.cache.DeletePattern(ctx, "*"))

	h := f.cache.Health(ctx)
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Issues, "coordination store degraded")
}
