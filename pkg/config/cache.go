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

// CacheConfig configures the cache service.
type CacheConfig struct {
	// KeyPrefix namespaces cache keys. Default: "cache:"
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	// DefaultTTL applies to data types without an entry in TTLs. Default: 5m
	DefaultTTL time.Duration `yaml:"default_ttl,omitempty"`

	// TTLs per data type. Defaults: envelope 10m, stats 15s.
	TTLs map[string]time.Duration `yaml:"ttls,omitempty"`

	// CompressionThreshold in bytes above which values are compressed.
	// Default: 1024
	CompressionThreshold int `yaml:"compression_threshold,omitempty"`

	// MaxValueSize in bytes after compression. Default: 1MiB
	MaxValueSize int `yaml:"max_value_size,omitempty"`

	// MaxMemory of the backing store used for health. Default: 256MiB
	MaxMemory int64 `yaml:"max_memory,omitempty"`

	// MinHitRate below which the cache reports degraded. Default: 0.5
	MinHitRate float64 `yaml:"min_hit_rate,omitempty"`

	// HitRateWindow is the number of recent lookups in the rolling hit rate.
	// Default: 1000
	HitRateWindow int `yaml:"hit_rate_window,omitempty"`

	// MinSamples before the hit rate affects health. Default: 100
	MinSamples int `yaml:"min_samples,omitempty"`

	// ScanBatchSize for pattern deletes. Default: 100
	ScanBatchSize int64 `yaml:"scan_batch_size,omitempty"`

	// DeleteBatchSize for pattern deletes. Default: 100
	DeleteBatchSize int `yaml:"delete_batch_size,omitempty"`
}

// SetDefaults applies default values.
func (c *CacheConfig) SetDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "cache:"
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.TTLs == nil {
		c.TTLs = map[string]time.Duration{}
	}
	if _, ok := c.TTLs["envelope"]; !ok {
		c.TTLs["envelope"] = 10 * time.Minute
	}
	if _, ok := c.TTLs["stats"]; !ok {
		c.TTLs["stats"] = 15 * time.Second
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = 1024
	}
	if c.MaxValueSize == 0 {
		c.MaxValueSize = 1 << 20
	}
	if c.MaxMemory == 0 {
		c.MaxMemory = 256 << 20
	}
	if c.MinHitRate == 0 {
		c.MinHitRate = 0.5
	}
	if c.HitRateWindow == 0 {
		c.HitRateWindow = 1000
	}
	if c.MinSamples == 0 {
		c.MinSamples = 100
	}
	if c.ScanBatchSize == 0 {
		c.ScanBatchSize = 100
	}
	if c.DeleteBatchSize == 0 {
		c.DeleteBatchSize = 100
	}
}

// Validate checks the cache configuration.
func (c *CacheConfig) Validate() error {
	if c.DefaultTTL < time.Second {
		return fmt.Errorf("default_ttl must be at least 1s, got %s", c.DefaultTTL)
	}
	for dataType, ttl := range c.TTLs {
		if ttl < time.Second {
			return fmt.Errorf("ttls.%s must be at least 1s, got %s", dataType, ttl)
		}
	}
	if c.CompressionThreshold < 0 {
		return fmt.Errorf("compression_threshold must not be negative")
	}
	if c.MaxValueSize <= 0 {
		return fmt.Errorf("max_value_size must be positive")
	}
	if c.MinHitRate < 0 || c.MinHitRate > 1 {
		return fmt.Errorf("min_hit_rate must be between 0 and 1, got %f", c.MinHitRate)
	}
	if c.HitRateWindow < 1 || c.MinSamples < 0 {
		return fmt.Errorf("hit_rate_window must be positive and min_samples not negative")
	}
	if c.ScanBatchSize <= 0 || c.DeleteBatchSize <= 0 {
		return fmt.Errorf("scan_batch_size and delete_batch_size must be positive")
	}
	return nil
}
