package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/config/provider"
)

// loadConfig loads the configuration named on the command line. Without
// --config the defaults are used and the returned loader is nil.
func loadConfig(ctx context.Context, cli *CLI, opts ...config.LoaderOption) (*config.Config, *config.Loader, error) {
	if cli.Config == "" {
		cfg := config.Default()
		if err := applyOverrides(cfg, cli.RedisAddr, 0); err != nil {
			return nil, nil, err
		}
		slog.Info("No config given, using defaults")
		return cfg, nil, nil
	}

	typ, err := provider.ParseType(cli.ConfigProvider)
	if err != nil {
		return nil, nil, err
	}
	if typ == provider.TypeFile {
		config.LoadDotEnvForConfig(cli.Config)
	}

	cfg, loader, err := config.LoadConfig(ctx, provider.ProviderConfig{
		Type:      typ,
		Path:      cli.Config,
		Endpoints: cli.ConfigEndpoints,
	}, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyOverrides(cfg, cli.RedisAddr, 0); err != nil {
		_ = loader.Close()
		return nil, nil, err
	}
	slog.Info("Loaded configuration", "source", typ, "path", cli.Config)
	return cfg, loader, nil
}

// applyOverrides applies command-line values on top of cfg and validates
// the result. Zero values leave cfg alone.
func applyOverrides(cfg *config.Config, redisAddr string, port int) error {
	if redisAddr != "" {
		cfg.Store.Backend = config.StoreBackendRedis
		cfg.Store.Redis.Addr = redisAddr
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
