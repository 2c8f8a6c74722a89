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
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

const memorySubscriptionBuffer = 256

type memEntry struct {
	value     string
	set       map[string]struct{}
	expiresAt time.Time
}

// MemoryBackend is a single-process Backend. Pub/sub only reaches
// subscribers of the same backend instance.
type MemoryBackend struct {
	mu     sync.Mutex
	data   map[string]*memEntry
	subs   map[string]map[*memSubscription]struct{}
	globs  map[string]glob.Glob
	now    func() time.Time
	closed bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data:  make(map[string]*memEntry),
		subs:  make(map[string]map[*memSubscription]struct{}),
		globs: make(map[string]glob.Glob),
		now:   time.Now,
	}
}

// SetClock replaces the clock used for expiry.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// live returns the entry for key, evicting it when expired. Caller holds mu.
func (b *MemoryBackend) live(key string) *memEntry {
	e, ok := b.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !b.now().Before(e.expiresAt) {
		delete(b.data, key)
		return nil
	}
	return e
}

func (b *MemoryBackend) check() error {
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return "", err
	}
	e := b.live(key)
	if e == nil {
		return "", ErrNotFound
	}
	if e.set != nil {
		return "", fmt.Errorf("%w: WRONGTYPE %s holds a set", ErrRejected, key)
	}
	return e.value, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	}
	b.data[key] = e
	return nil
}

func (b *MemoryBackend) CompareAndSet(_ context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return false, err
	}
	e := b.live(key)
	if e == nil {
		return false, nil
	}
	if e.set != nil {
		return false, fmt.Errorf("%w: WRONGTYPE %s holds a set", ErrRejected, key)
	}
	if e.value != old {
		return false, nil
	}
	e.value = value
	e.expiresAt = time.Time{}
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	}
	return true, nil
}

func (b *MemoryBackend) Incr(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	e := b.live(key)
	if e == nil {
		b.data[key] = &memEntry{value: "1"}
		return 1, nil
	}
	if e.set != nil {
		return 0, fmt.Errorf("%w: WRONGTYPE %s holds a set", ErrRejected, key)
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (b *MemoryBackend) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	e := b.live(key)
	if e == nil {
		return nil
	}
	if ttl <= 0 {
		delete(b.data, key)
		return nil
	}
	e.expiresAt = b.now().Add(ttl)
	return nil
}

func (b *MemoryBackend) TTL(_ context.Context, key string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	e := b.live(key)
	if e == nil {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return e.expiresAt.Sub(b.now()), nil
}

func (b *MemoryBackend) Del(_ context.Context, keys ...string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if b.live(k) != nil {
			delete(b.data, k)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) matcher(pattern string) (glob.Glob, error) {
	if g, ok := b.globs[pattern]; ok {
		return g, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid pattern %q: %v", ErrRejected, pattern, err)
	}
	b.globs[pattern] = g
	return g, nil
}

func (b *MemoryBackend) Scan(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, 0, err
	}
	if match == "" {
		match = "*"
	}
	g, err := b.matcher(match)
	if err != nil {
		return nil, 0, err
	}
	if count <= 0 {
		count = 10
	}

	all := make([]string, 0, len(b.data))
	for k := range b.data {
		if b.live(k) != nil {
			all = append(all, k)
		}
	}
	sort.Strings(all)

	start := int(cursor)
	if start >= len(all) {
		return nil, 0, nil
	}
	end := start + int(count)
	if end > len(all) {
		end = len(all)
	}

	var keys []string
	for _, k := range all[start:end] {
		if g.Match(k) {
			keys = append(keys, k)
		}
	}

	next := uint64(end)
	if end >= len(all) {
		next = 0
	}
	return keys, next, nil
}

func (b *MemoryBackend) setEntry(key string, create bool) (*memEntry, error) {
	e := b.live(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &memEntry{set: make(map[string]struct{})}
		b.data[key] = e
		return e, nil
	}
	if e.set == nil {
		return nil, fmt.Errorf("%w: WRONGTYPE %s holds a string", ErrRejected, key)
	}
	return e, nil
}

func (b *MemoryBackend) SAdd(_ context.Context, key string, members ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	e, err := b.setEntry(key, true)
	if err != nil {
		return err
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	return nil
}

func (b *MemoryBackend) SRem(_ context.Context, key string, members ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	e, err := b.setEntry(key, false)
	if err != nil || e == nil {
		return err
	}
	for _, m := range members {
		delete(e.set, m)
	}
	if len(e.set) == 0 {
		delete(b.data, key)
	}
	return nil
}

func (b *MemoryBackend) SMembers(_ context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	e, err := b.setEntry(key, false)
	if err != nil || e == nil {
		return nil, err
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryBackend) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	for sub := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.out <- msg:
		default:
			// slow subscriber; drop like a server-side output buffer limit would
		}
	}
	return nil
}

func (b *MemoryBackend) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	sub := &memSubscription{
		backend: b,
		channel: channel,
		out:     make(chan []byte, memorySubscriptionBuffer),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memSubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBackend) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.check()
}

func (b *MemoryBackend) MemoryUsage(_ context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	var total int64
	for k := range b.data {
		e := b.live(k)
		if e == nil {
			continue
		}
		total += int64(len(k) + len(e.value))
		for m := range e.set {
			total += int64(len(m))
		}
	}
	return total, nil
}

// Close ends every subscription. Further calls return ErrClosed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for channel, subs := range b.subs {
		for sub := range subs {
			sub.closeLocked()
		}
		delete(b.subs, channel)
	}
	return nil
}

type memSubscription struct {
	backend *MemoryBackend
	channel string
	out     chan []byte
	closed  bool
}

func (s *memSubscription) Messages() <-chan []byte { return s.out }

func (s *memSubscription) Close() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *memSubscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.backend.subs[s.channel], s)
	close(s.out)
}
