package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/coordination/storetest"
	"github.com/davel-ai/gateway/pkg/logger"
	"github.com/davel-ai/gateway/pkg/quota"
)

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.StoreBackendMemory

	require.NoError(t, applyOverrides(cfg, "redis.internal:6380", 9090))
	assert.Equal(t, config.StoreBackendRedis, cfg.Store.Backend)
	assert.Equal(t, "redis.internal:6380", cfg.Store.Redis.Addr)
	assert.Equal(t, 9090, cfg.Server.Port)

	require.NoError(t, applyOverrides(cfg, "", 0))
	assert.Equal(t, 9090, cfg.Server.Port)

	err := applyOverrides(cfg, "", -1)
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7000\nstore:\n  backend: memory\n"), 0o600))

	cfg, loader, err := loadConfig(context.Background(), &CLI{Config: path, ConfigProvider: "file", RedisAddr: "10.0.0.5:6379"})
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, config.StoreBackendRedis, cfg.Store.Backend)
	assert.Equal(t, "10.0.0.5:6379", cfg.Store.Redis.Addr)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, loader, err := loadConfig(context.Background(), &CLI{ConfigProvider: "file"})
	require.NoError(t, err)
	assert.Nil(t, loader)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestCLILogSettingsPreferFlags(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "warn")
	t.Setenv(LogFormatEnvVar, "verbose")
	t.Setenv(LogFileEnvVar, "")

	s := cliLogSettings("debug", "", "")
	assert.Equal(t, "debug", s.level)
	assert.Equal(t, "verbose", s.format)
	assert.Empty(t, s.file)
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	_, err := initLogger(logSettings{level: "loud"}, config.LoggingConfig{})
	assert.Error(t, err)
}

func TestReloaderAppliesQuotaAndLevel(t *testing.T) {
	store, _ := storetest.NewMemory(t)
	svc, err := quota.NewServiceFromConfig(store, config.Default().Quota, quota.WithLogger(logger.Discard()))
	require.NoError(t, err)

	r := &reloader{}
	r.setQuota(svc)
	t.Cleanup(func() { logger.SetLevel(slog.LevelInfo) })

	cfg := config.Default()
	cfg.Quota.Message.Max = 2
	cfg.Quota.Message.Window = 30 * time.Second
	cfg.Logging.Level = "debug"
	r.apply(cfg)

	rule := svc.Rules()[quota.DimensionMessage]
	assert.EqualValues(t, 2, rule.Max)
	assert.Equal(t, 30*time.Second, rule.Window)
	assert.Equal(t, slog.LevelDebug, logger.Level())
}

func TestReloaderKeepsPinnedLevel(t *testing.T) {
	logger.SetLevel(slog.LevelWarn)
	t.Cleanup(func() { logger.SetLevel(slog.LevelInfo) })

	r := &reloader{levelPinned: true}
	cfg := config.Default()
	cfg.Logging.Level = "debug"
	r.apply(cfg)

	assert.Equal(t, slog.LevelWarn, logger.Level())
}
