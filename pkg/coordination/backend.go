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

// Package coordination provides the shared key/value and publish/subscribe
// store used by every gateway process. Backends return errors; Store wraps a
// Backend and fails open, so callers never see connectivity failures.
package coordination

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Backend.Get and Backend.TTL for missing keys.
	ErrNotFound = errors.New("coordination: key not found")

	// ErrNotInteger is returned by Backend.Incr when the stored value is not an integer.
	ErrNotInteger = errors.New("coordination: value is not an integer")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordination: backend closed")
)

// NoExpiry is returned by Backend.TTL for keys without an expiry.
const NoExpiry time.Duration = -1

// Backend is the set of primitives a coordination store must provide.
type Backend interface {
	// Get returns ErrNotFound when the key is missing or expired.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// CompareAndSet atomically replaces key with value, and its expiry
	// with ttl, only while key still holds old. A missing key is not
	// created.
	CompareAndSet(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments an integer key, creating it at 1.
	// An existing expiry is preserved.
	Incr(ctx context.Context, key string) (int64, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time to live, NoExpiry, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	Del(ctx context.Context, keys ...string) (int64, error)

	// Scan returns one batch of keys matching a glob pattern and the
	// cursor for the next call. A returned cursor of 0 ends the iteration.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe confirms the subscription before returning.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error

	// MemoryUsage reports bytes used by the store.
	MemoryUsage(ctx context.Context) (int64, error)

	Close() error
}

// Subscription delivers payloads published on one channel.
// Messages is closed when the subscription ends, either through Close or
// because the connection to the store was lost.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
