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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/davel-ai/gateway/pkg/cache"
	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/inference"
	"github.com/davel-ai/gateway/pkg/logger"
	"github.com/davel-ai/gateway/pkg/observability"
	"github.com/davel-ai/gateway/pkg/quota"
	"github.com/davel-ai/gateway/pkg/registry"
	"github.com/davel-ai/gateway/pkg/relay"
	"github.com/davel-ai/gateway/pkg/server"
	"github.com/davel-ai/gateway/pkg/session"
)

// ServeCmd starts the gateway.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides server.port)."`
	Watch bool `help:"Reload quota rules and log level when the config changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logs := cliLogSettings(cli.LogLevel, cli.LogFile, cli.LogFormat)
	reload := &reloader{levelPinned: logs.level != ""}

	cfg, loader, err := loadConfig(ctx, cli, config.WithOnChange(reload.apply))
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if err := applyOverrides(cfg, "", c.Port); err != nil {
		return err
	}

	cleanup, err := initLoggerFromConfig(logs, cfg.Logging)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}
	log := logger.GetLogger()

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Warn("Observability shutdown failed", "error", err)
		}
	}()
	metrics := obs.GetMetrics()

	store, err := coordination.NewFromConfig(cfg.Store, log, metrics)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Warn("Coordination store unreachable, starting degraded", "backend", cfg.Store.Backend, "error", err)
	}

	quotas, err := quota.NewServiceFromConfig(store, cfg.Quota, quota.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("invalid quota rules: %w", err)
	}
	reload.setQuota(quotas)

	sessions := session.NewStore(store, cfg.Sessions)

	cacheSvc, err := cache.NewService(store, cfg.Cache, cache.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	defer cacheSvc.Close()

	infer, err := inference.NewGRPCClient(cfg.Inference, inference.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to create inference client: %w", err)
	}
	defer infer.Close()

	reg := registry.NewLocalRegistry()
	rl := relay.New(relay.Deps{
		Store:     store,
		Quota:     quotas,
		Sessions:  sessions,
		Cache:     cacheSvc,
		Registry:  reg,
		Inference: infer,
	}, relay.Options{
		Channel:          cfg.Channels.Chat,
		InferenceTimeout: cfg.Inference.Timeout,
		UseTools:         config.BoolValue(cfg.Inference.UseTools, true),
		MaxTokens:        cfg.Inference.MaxTokens,
		Metrics:          metrics,
	})

	srv := server.New(cfg.Server, server.Deps{
		Store:         store,
		Relay:         rl,
		Sessions:      sessions,
		Cache:         cacheSvc,
		Quota:         quotas,
		Registry:      reg,
		Observability: obs,
	}, server.Options{
		LogsChannel: cfg.Channels.Logs,
		MetricsPath: cfg.Observability.Metrics.Endpoint,
	})

	if c.Watch {
		if loader == nil {
			log.Warn("--watch needs --config, ignoring")
		} else {
			go func() {
				if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
					log.Error("Config watch error", "error", err)
				}
			}()
		}
	}

	fmt.Printf("\nGateway %s ready\n", resolveVersion())
	fmt.Printf("   Chat socket: ws://%s/ws/chat\n", cfg.Server.Address())
	fmt.Printf("   Log socket:  ws://%s/ws/logs\n", cfg.Server.Address())
	fmt.Printf("   Chat API:    http://%s/api/chat\n", cfg.Server.Address())
	fmt.Printf("   Health:      http://%s/health\n", cfg.Server.Address())
	if cfg.Observability.Metrics.IsEnabled() {
		fmt.Printf("   Metrics:     http://%s%s\n", cfg.Server.Address(), cfg.Observability.Metrics.Endpoint)
	}
	fmt.Printf("   Store:       %s (%s)\n", cfg.Store.Backend, store.Mode())
	fmt.Printf("   Inference:   %s\n", cfg.Inference.Target)
	fmt.Println("\nPress Ctrl+C to stop")

	err = srv.Run(ctx)
	log.Info("Gateway stopped")
	return err
}

// reloader applies the live-reloadable parts of a new configuration.
type reloader struct {
	levelPinned bool

	mu     sync.Mutex
	quotas *quota.Service
}

func (r *reloader) setQuota(q *quota.Service) {
	r.mu.Lock()
	r.quotas = q
	r.mu.Unlock()
}

func (r *reloader) apply(cfg *config.Config) {
	r.mu.Lock()
	quotas := r.quotas
	r.mu.Unlock()

	if quotas != nil {
		if err := quotas.UpdateRules(quota.RulesFromConfig(cfg.Quota)); err != nil {
			slog.Warn("Quota rules not reloaded", "error", err)
		} else {
			slog.Info("Quota rules reloaded")
		}
	}

	if !r.levelPinned {
		level, err := logger.ParseLevel(cfg.Logging.Level)
		if err != nil {
			slog.Warn("Log level not reloaded", "error", err)
			return
		}
		if level != logger.Level() {
			logger.SetLevel(level)
			slog.Info("Log level changed", "level", cfg.Logging.Level)
		}
	}
}
