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

package config

import (
	"fmt"
	"time"
)

// Store backends.
const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

// StoreConfig configures the coordination store.
type StoreConfig struct {
	// Backend is "redis" (default) or "memory" (single process only).
	Backend string `yaml:"backend,omitempty"`

	Redis RedisConfig `yaml:"redis,omitempty"`

	// OpTimeout bounds each store operation. Default: 2s
	OpTimeout time.Duration `yaml:"op_timeout,omitempty"`

	// ScanBatchSize is the COUNT hint for key enumeration. Default: 100
	ScanBatchSize int64 `yaml:"scan_batch_size,omitempty"`

	// ResubscribeMaxBackoff caps the delay between subscribe retries.
	// Default: 30s
	ResubscribeMaxBackoff time.Duration `yaml:"resubscribe_max_backoff,omitempty"`
}

// RedisConfig configures the Redis client.
type RedisConfig struct {
	Addr         string        `yaml:"addr,omitempty"`
	Username     string        `yaml:"username,omitempty"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db,omitempty"`
	TLS          bool          `yaml:"tls,omitempty"`
	DialTimeout  time.Duration `yaml:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
	PoolSize     int           `yaml:"pool_size,omitempty"`
	MaxRetries   int           `yaml:"max_retries,omitempty"`
}

// SetDefaults applies default values.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StoreBackendRedis
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 2 * time.Second
	}
	if c.ScanBatchSize == 0 {
		c.ScanBatchSize = 100
	}
	if c.ResubscribeMaxBackoff == 0 {
		c.ResubscribeMaxBackoff = 30 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 2 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = time.Second
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 1
	}
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case StoreBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required")
		}
		if c.Redis.DB < 0 {
			return fmt.Errorf("redis.db must not be negative, got %d", c.Redis.DB)
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("invalid backend %q (valid: redis, memory)", c.Backend)
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("op_timeout must be positive")
	}
	if c.ScanBatchSize <= 0 {
		return fmt.Errorf("scan_batch_size must be positive, got %d", c.ScanBatchSize)
	}
	return nil
}
