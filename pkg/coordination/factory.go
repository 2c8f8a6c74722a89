package coordination

import (
	"fmt"
	"log/slog"

	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/observability"
)

// NewFromConfig builds the Store for the store section of the
// configuration.
func NewFromConfig(cfg config.StoreConfig, logger *slog.Logger, metrics observability.Metrics) (*Store, error) {
	var backend Backend
	switch cfg.Backend {
	case config.StoreBackendRedis, "":
		backend = NewRedisBackend(RedisOptions{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLS:          cfg.Redis.TLS,
		})
	case config.StoreBackendMemory:
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	return New(backend, Options{
		OpTimeout:     cfg.OpTimeout,
		ScanBatchSize: cfg.ScanBatchSize,
		MaxBackoff:    cfg.ResubscribeMaxBackoff,
		Logger:        logger,
		Metrics:       metrics,
	}), nil
}
