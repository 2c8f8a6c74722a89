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

// Package cache stores JSON values in the coordination store with
// per-data-type TTLs, transparent zstd compression above a size threshold
// and a rolling hit rate used for health reporting.
package cache

import (
	"errors"
	"time"
)

var (
	// ErrValueTooLarge is returned by Set when the encoded value exceeds the
	// configured maximum after compression.
	ErrValueTooLarge = errors.New("cache value too large")

	ErrEmptyKey = errors.New("cache key is required")

	// ErrCorruptEntry is returned by Get for entries that cannot be decoded.
	// The entry is deleted.
	ErrCorruptEntry = errors.New("corrupt cache entry")
)

// Entry is the metadata of a stored value.
type Entry struct {
	Key          string        `json:"key"`
	TTL          time.Duration `json:"ttl"`
	Compressed   bool          `json:"compressed"`
	SizeBytes    int           `json:"sizeBytes"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastAccessed time.Time     `json:"lastAccessed"`
}

// record is the stored form of an entry.
type record struct {
	Value        []byte `json:"v"`
	Compressed   bool   `json:"c,omitempty"`
	TTLSeconds   int64  `json:"ttl"`
	Size         int    `json:"size"`
	CreatedAt    int64  `json:"created"`
	LastAccessed int64  `json:"accessed"`

	// raw is the stored form as read, used to detect concurrent writes.
	raw string
}

func (r *record) expired(now time.Time) bool {
	return now.Sub(time.UnixMilli(r.CreatedAt)) > time.Duration(r.TTLSeconds)*time.Second
}

// Stats are the counters since the service started.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hitRate"`
	Samples int     `json:"samples"`
}

// Health is the cache health summary.
type Health struct {
	Healthy     bool     `json:"healthy"`
	HitRate     float64  `json:"hitRate"`
	MemoryUsage int64    `json:"memoryUsage"`
	Issues      []string `json:"issues,omitempty"`
}
