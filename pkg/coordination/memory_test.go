package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b := NewMemoryBackend()
	b.SetClock(func() time.Time { return now })

	require.NoError(t, b.Set(ctx, "k", "v", 10*time.Second))

	now = now.Add(9 * time.Second)
	v, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	ttl, err := b.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Second, ttl)

	now = now.Add(time.Second)
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.TTL(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackend_ScanCursor(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	for _, k := range []string{"a:1", "a:2", "b:1", "a:3", "b:2"} {
		require.NoError(t, b.Set(ctx, k, "x", 0))
	}

	var all []string
	var cursor uint64
	for {
		keys, next, err := b.Scan(ctx, cursor, "a:*", 2)
		require.NoError(t, err)
		all = append(all, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.ElementsMatch(t, []string{"a:1", "a:2", "a:3"}, all)
}

func TestMemoryBackend_WrongType(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.SAdd(ctx, "set", "a"))

	_, err := b.Get(ctx, "set")
	assert.ErrorIs(t, err, ErrRejected)

	require.NoError(t, b.Set(ctx, "str", "1", 0))
	assert.ErrorIs(t, b.SAdd(ctx, "str", "a"), ErrRejected)
}

func TestMemoryBackend_CloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	sub, err := b.Subscribe(ctx, "ch")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	_, open := <-sub.Messages()
	assert.False(t, open)
	assert.ErrorIs(t, b.Ping(ctx), ErrClosed)
	assert.NoError(t, sub.Close())
}

func TestParseUsedMemory(t *testing.T) {
	info := "# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\n"
	n, err := parseUsedMemory(info)
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), n)

	_, err = parseUsedMemory("# Clients\r\nconnected_clients:1\r\n")
	assert.ErrorIs(t, err, ErrRejected)
}
