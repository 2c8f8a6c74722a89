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

// QuotaConfig configures the admission rules.
type QuotaConfig struct {
	// Enabled switches every rule. Default: true
	Enabled *bool `yaml:"enabled,omitempty"`

	// KeyPrefix namespaces window counters. Default: "quota"
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	Global     QuotaRuleConfig `yaml:"global,omitempty"`
	Address    QuotaRuleConfig `yaml:"address,omitempty"`
	Session    QuotaRuleConfig `yaml:"session,omitempty"`
	Endpoint   QuotaRuleConfig `yaml:"endpoint,omitempty"`
	Connection QuotaRuleConfig `yaml:"connection,omitempty"`
	Message    QuotaRuleConfig `yaml:"message,omitempty"`
}

// QuotaRuleConfig allows Max events per Window.
type QuotaRuleConfig struct {
	// Enabled defaults to true.
	Enabled *bool         `yaml:"enabled,omitempty"`
	Window  time.Duration `yaml:"window,omitempty"`
	Max     int64         `yaml:"max,omitempty"`
}

// IsEnabled returns true if quotas are enabled.
func (c *QuotaConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// IsEnabled returns true if the rule is enabled.
func (c *QuotaRuleConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *QuotaRuleConfig) setDefaults(window time.Duration, max int64) {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.Window == 0 {
		c.Window = window
	}
	if c.Max == 0 {
		c.Max = max
	}
}

// SetDefaults sets default values for QuotaConfig.
func (c *QuotaConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "quota"
	}
	c.Global.setDefaults(time.Minute, 1000)
	c.Address.setDefaults(time.Minute, 100)
	c.Session.setDefaults(time.Minute, 30)
	c.Endpoint.setDefaults(time.Minute, 60)
	c.Connection.setDefaults(time.Minute, 10)
	c.Message.setDefaults(time.Minute, 20)
}

// Rules returns the rules keyed by dimension name.
func (c *QuotaConfig) Rules() map[string]QuotaRuleConfig {
	return map[string]QuotaRuleConfig{
		"global":     c.Global,
		"address":    c.Address,
		"session":    c.Session,
		"endpoint":   c.Endpoint,
		"connection": c.Connection,
		"message":    c.Message,
	}
}

// Validate validates the QuotaConfig.
func (c *QuotaConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	for name, r := range c.Rules() {
		if !r.IsEnabled() {
			continue
		}
		if r.Window < time.Second {
			return fmt.Errorf("%s.window must be at least 1s, got %s", name, r.Window)
		}
		if r.Max <= 0 {
			return fmt.Errorf("%s.max must be positive, got %d", name, r.Max)
		}
	}
	return nil
}
