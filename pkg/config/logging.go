package config

import (
	"fmt"

	"github.com/davel-ai/gateway/pkg/logger"
)

// LoggingConfig configures the process logger. Command-line flags and
// environment variables take precedence.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info
	Level string `yaml:"level,omitempty"`

	// Format: simple, verbose, json. Default: simple
	Format string `yaml:"format,omitempty"`

	// File appends logs to a file instead of stderr.
	File string `yaml:"file,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = logger.FormatSimple
	}
}

func (c *LoggingConfig) Validate() error {
	if _, err := logger.ParseLevel(c.Level); err != nil {
		return err
	}
	if !logger.ValidFormat(c.Format) {
		return fmt.Errorf("invalid format %q (valid: simple, verbose, json)", c.Format)
	}
	return nil
}
