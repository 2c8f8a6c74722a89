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

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	// Host to bind. Default: "0.0.0.0"
	Host string `yaml:"host,omitempty"`

	// Port to bind. Default: 8080
	Port int `yaml:"port,omitempty"`

	// TrustProxyHeaders takes the client address from the first
	// X-Forwarded-For hop. Enable only behind a proxy that sets it.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers,omitempty"`

	// AllowedOrigins for WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	// AdminToken, when set, is required as a bearer token on /admin routes.
	AdminToken string `yaml:"admin_token,omitempty"`

	// ReadHeaderTimeout for HTTP requests. Default: 10s
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// WriteTimeout bounds a single WebSocket frame write. Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`

	// PingInterval between WebSocket keepalive pings. Default: 30s
	PingInterval time.Duration `yaml:"ping_interval,omitempty"`

	// SendBuffer is the per-connection outbound queue length. Default: 32
	SendBuffer int `yaml:"send_buffer,omitempty"`

	// MaxMessageBytes caps inbound WebSocket frames and request bodies.
	// Default: 65536
	MaxMessageBytes int64 `yaml:"max_message_bytes,omitempty"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 32
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 64 << 10
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	if c.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", c.MaxMessageBytes)
	}
	if c.PingInterval <= c.WriteTimeout {
		return fmt.Errorf("ping_interval (%s) must exceed write_timeout (%s)", c.PingInterval, c.WriteTimeout)
	}
	return nil
}

// Address returns host:port.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
