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

package main

import (
	"fmt"
	"os"

	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/logger"
)

const (
	LogFileEnvVar   = "LOG_FILE"
	LogLevelEnvVar  = "LOG_LEVEL"
	LogFormatEnvVar = "LOG_FORMAT"
)

// logSettings are the logging choices made on the command line or in the
// environment. Empty fields defer to the config file.
type logSettings struct {
	level, file, format string
}

func cliLogSettings(cliLevel, cliFile, cliFormat string) logSettings {
	pick := func(flag, env string) string {
		if flag != "" {
			return flag
		}
		return os.Getenv(env)
	}
	return logSettings{
		level:  pick(cliLevel, LogLevelEnvVar),
		file:   pick(cliFile, LogFileEnvVar),
		format: pick(cliFormat, LogFormatEnvVar),
	}
}

// initLoggerFromCLI initializes the logger from CLI flags and environment
// variables before any config is loaded.
// Priority: CLI flags > env vars > defaults
func initLoggerFromCLI(cliLevel, cliFile, cliFormat string) (func(), error) {
	s := cliLogSettings(cliLevel, cliFile, cliFormat)
	return initLogger(s, config.LoggingConfig{})
}

// initLoggerFromConfig re-initializes the logger once the config is known.
// Settings given on the command line or in the environment still win.
func initLoggerFromConfig(s logSettings, cfg config.LoggingConfig) (func(), error) {
	if s.level != "" && s.file != "" && s.format != "" {
		return nil, nil
	}
	return initLogger(s, cfg)
}

func initLogger(s logSettings, cfg config.LoggingConfig) (func(), error) {
	levelStr := firstNonEmpty(s.level, cfg.Level, "info")
	format := firstNonEmpty(s.format, cfg.Format, logger.FormatSimple)
	file := firstNonEmpty(s.file, cfg.File)

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if !logger.ValidFormat(format) {
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, cleanupFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = cleanupFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
