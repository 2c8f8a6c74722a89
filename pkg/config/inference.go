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
	"strings"
	"time"
)

// DefaultInferenceMethod is the full gRPC method of the agent service.
const DefaultInferenceMethod = "/agent.AgentService/SendMessage"

// InferenceConfig configures the inference client.
type InferenceConfig struct {
	// Target is the gRPC target. Default: "localhost:50051"
	Target string `yaml:"target,omitempty"`

	// Method is the full RPC method name.
	// Default: "/agent.AgentService/SendMessage"
	Method string `yaml:"method,omitempty"`

	// Timeout bounds each call. Default: 60s
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Insecure uses plaintext transport. Default: true
	Insecure *bool `yaml:"insecure,omitempty"`

	// UseTools is sent when the client omits it. Default: true
	UseTools *bool `yaml:"use_tools,omitempty"`

	// MaxTokens is sent when the client omits it. 0 leaves the choice to
	// the inference service.
	MaxTokens int32 `yaml:"max_tokens,omitempty"`
}

// SetDefaults applies default values.
func (c *InferenceConfig) SetDefaults() {
	if c.Target == "" {
		c.Target = "localhost:50051"
	}
	if c.Method == "" {
		c.Method = DefaultInferenceMethod
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Insecure == nil {
		c.Insecure = BoolPtr(true)
	}
	if c.UseTools == nil {
		c.UseTools = BoolPtr(true)
	}
}

// Validate checks the inference configuration.
func (c *InferenceConfig) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("target is required")
	}
	if !strings.HasPrefix(c.Method, "/") || strings.Count(c.Method, "/") != 2 {
		return fmt.Errorf("method must look like /package.Service/Method, got %q", c.Method)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative, got %d", c.MaxTokens)
	}
	return nil
}
