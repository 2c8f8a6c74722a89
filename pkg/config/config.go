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

// Package config defines the gateway configuration, its defaults and
// validation, and the loader that reads it from a provider.
package config

import (
	"fmt"

	"github.com/davel-ai/gateway/pkg/observability"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server,omitempty"`
	Store         StoreConfig          `yaml:"store,omitempty"`
	Quota         QuotaConfig          `yaml:"quota,omitempty"`
	Sessions      SessionsConfig       `yaml:"sessions,omitempty"`
	Cache         CacheConfig          `yaml:"cache,omitempty"`
	Inference     InferenceConfig      `yaml:"inference,omitempty"`
	Channels      ChannelsConfig       `yaml:"channels,omitempty"`
	Observability observability.Config `yaml:"observability,omitempty"`
	Logging       LoggingConfig        `yaml:"logging,omitempty"`
}

// ChannelsConfig names the pub/sub channels.
type ChannelsConfig struct {
	// Chat carries message envelopes. Default: "chat_tokens"
	Chat string `yaml:"chat,omitempty"`

	// Logs carries job log lines. Default: "logs"
	Logs string `yaml:"logs,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults applies default values to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Store.SetDefaults()
	c.Quota.SetDefaults()
	c.Sessions.SetDefaults()
	c.Cache.SetDefaults()
	c.Inference.SetDefaults()
	c.Observability.SetDefaults()
	c.Logging.SetDefaults()

	if c.Channels.Chat == "" {
		c.Channels.Chat = "chat_tokens"
	}
	if c.Channels.Logs == "" {
		c.Channels.Logs = "logs"
	}
}

// Validate checks the configuration. Call SetDefaults first.
func (c *Config) Validate() error {
	sections := []struct {
		name     string
		validate func() error
	}{
		{"server", c.Server.Validate},
		{"store", c.Store.Validate},
		{"quota", c.Quota.Validate},
		{"sessions", c.Sessions.Validate},
		{"cache", c.Cache.Validate},
		{"inference", c.Inference.Validate},
		{"observability", c.Observability.Validate},
		{"logging", c.Logging.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	if c.Channels.Chat == c.Channels.Logs {
		return fmt.Errorf("channels: chat and logs must differ, both are %q", c.Channels.Chat)
	}
	return nil
}
