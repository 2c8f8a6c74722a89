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
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRejected marks an error reply from the server, as opposed to a
// connectivity failure.
var ErrRejected = errors.New("coordination: command rejected")

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MaxRetries   int
	TLS          bool
}

// RedisBackend implements Backend on a Redis server.
type RedisBackend struct {
	client *redis.Client
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a client. No connection is made until the first command.
func NewRedisBackend(opts RedisOptions) *RedisBackend {
	ro := &redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
		MaxRetries:   opts.MaxRetries,
	}
	if opts.TLS {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &RedisBackend{client: redis.NewClient(ro)}
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func redisErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %s", ErrRejected, rerr.Error())
	}
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := b.client.Get(ctx, key).Result()
	return v, redisErr(err)
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return redisErr(b.client.Set(ctx, key, value, ttl).Err())
}

// casScript sets KEYS[1] to ARGV[2] with a PX of ARGV[3] (0 for none)
// when it currently equals ARGV[1].
var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

func (b *RedisBackend) CompareAndSet(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, b.client, []string{key}, old, value, max(ttl, 0).Milliseconds()).Int()
	if err != nil {
		return false, redisErr(err)
	}
	return n == 1, nil
}

func (b *RedisBackend) Incr(ctx context.Context, key string) (int64, error) {
	n, err := b.client.Incr(ctx, key).Result()
	return n, redisErr(err)
}

func (b *RedisBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return redisErr(b.client.PExpire(ctx, key, ttl).Err())
}

func (b *RedisBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := b.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, redisErr(err)
	}
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return NoExpiry, nil
	}
	return d, nil
}

func (b *RedisBackend) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := b.client.Del(ctx, keys...).Result()
	return n, redisErr(err)
}

func (b *RedisBackend) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := b.client.Scan(ctx, cursor, match, count).Result()
	return keys, next, redisErr(err)
}

func (b *RedisBackend) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return redisErr(b.client.SAdd(ctx, key, args...).Err())
}

func (b *RedisBackend) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return redisErr(b.client.SRem(ctx, key, args...).Err())
}

func (b *RedisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := b.client.SMembers(ctx, key).Result()
	return m, redisErr(err)
}

func (b *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	return redisErr(b.client.Publish(ctx, channel, payload).Err())
}

func (b *RedisBackend) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, redisErr(err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return redisErr(b.client.Ping(ctx).Err())
}

func (b *RedisBackend) MemoryUsage(ctx context.Context) (int64, error) {
	info, err := b.client.Info(ctx, "memory").Result()
	if err != nil {
		return 0, redisErr(err)
	}
	return parseUsedMemory(info)
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func parseUsedMemory(info string) (int64, error) {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse used_memory: %w", err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: used_memory not reported", ErrRejected)
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
