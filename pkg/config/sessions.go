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

// SessionsConfig configures the session store.
type SessionsConfig struct {
	// TTL is the idle lifetime of a session. Default: 1h
	TTL time.Duration `yaml:"ttl,omitempty"`

	// CleanupInterval between sweeps. Default: 5m
	CleanupInterval time.Duration `yaml:"cleanup_interval,omitempty"`

	// MaxPerAddress caps live sessions per client address. Default: 10
	MaxPerAddress int `yaml:"max_per_address,omitempty"`

	// ExtendOnActivity re-arms the TTL on every update. Default: true
	ExtendOnActivity *bool `yaml:"extend_on_activity,omitempty"`

	// KeyPrefix for session records. Default: "session:"
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	// IndexPrefix for the per-address index. Default: "session_ip:"
	IndexPrefix string `yaml:"index_prefix,omitempty"`
}

// SetDefaults applies default values.
func (c *SessionsConfig) SetDefaults() {
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.MaxPerAddress == 0 {
		c.MaxPerAddress = 10
	}
	if c.ExtendOnActivity == nil {
		c.ExtendOnActivity = BoolPtr(true)
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "session:"
	}
	if c.IndexPrefix == "" {
		c.IndexPrefix = "session_ip:"
	}
}

// Validate checks the sessions configuration.
func (c *SessionsConfig) Validate() error {
	if c.TTL < time.Second {
		return fmt.Errorf("ttl must be at least 1s, got %s", c.TTL)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive")
	}
	if c.MaxPerAddress < 1 {
		return fmt.Errorf("max_per_address must be positive, got %d", c.MaxPerAddress)
	}
	if c.KeyPrefix == c.IndexPrefix {
		return fmt.Errorf("key_prefix and index_prefix must differ")
	}
	return nil
}
