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

// Command gateway runs the chat relay gateway.
//
// Usage:
//
//	gateway serve --config gateway.yaml
//	gateway serve --redis-addr redis:6379 --port 9000 --watch
//	gateway validate --config gateway.yaml
//	gateway quota reset 203.0.113.7 --config gateway.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/davel-ai/gateway/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = ""

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Quota    QuotaCmd    `cmd:"" help:"Administer quota counters."`

	Config          string   `short:"c" help:"Config path (file path, or key for remote providers)." env:"GATEWAY_CONFIG"`
	ConfigProvider  string   `name:"config-provider" help:"Config source: file, etcd, consul, zookeeper." default:"file" enum:"file,etcd,consul,zookeeper"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Endpoints of the remote config provider." sep:","`
	RedisAddr       string   `name:"redis-addr" help:"Redis address (overrides store.redis.addr)." env:"REDIS_ADDR"`

	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("gateway version %s\n", resolveVersion())
	return nil
}

func resolveVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			return info.Main.Version
		}
	}
	return "dev"
}

func main() {
	config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("gateway"),
		kong.Description("Session-aware chat relay gateway"),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
