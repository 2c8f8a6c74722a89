// Package storetest builds coordination stores for tests.
package storetest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/logger"
)

// NewRedis starts a miniredis server and returns a Store backed by it.
// Both are closed when the test ends.
func NewRedis(tb testing.TB) (*coordination.Store, *miniredis.Miniredis) {
	tb.Helper()

	mr := miniredis.RunT(tb)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		DialTimeout: time.Second,
	})
	store := coordination.New(coordination.NewRedisBackendFromClient(client), coordination.Options{
		OpTimeout:  time.Second,
		MaxBackoff: 200 * time.Millisecond,
		Logger:     logger.Discard(),
	})
	tb.Cleanup(func() { _ = store.Close() })
	return store, mr
}

// NewMemory returns a Store over a fresh MemoryBackend.
func NewMemory(tb testing.TB) (*coordination.Store, *coordination.MemoryBackend) {
	tb.Helper()

	backend := coordination.NewMemoryBackend()
	store := coordination.New(backend, coordination.Options{
		OpTimeout:  time.Second,
		MaxBackoff: 200 * time.Millisecond,
		Logger:     logger.Discard(),
	})
	tb.Cleanup(func() { _ = store.Close() })
	return store, backend
}

// NewUnreachable returns a Store whose Redis address refuses connections.
func NewUnreachable(tb testing.TB) *coordination.Store {
	tb.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		tb.Fatalf("start miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  100 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		PoolTimeout:  100 * time.Millisecond,
		MaxRetries:   -1,
	})
	store := coordination.New(coordination.NewRedisBackendFromClient(client), coordination.Options{
		OpTimeout:  500 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
		Logger:     logger.Discard(),
	})
	tb.Cleanup(func() { _ = store.Close() })
	return store
}
