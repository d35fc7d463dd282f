package store

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
)

// Config aggregates the configuration sections an archive backend needs.
type Config struct {
	Store    config.StoreConfig
	Redis    config.RedisConfig
	Database config.DatabaseConfig
}

// New creates an Archive for the configured backend type.
func New(cfg Config, logger *zap.Logger) (Archive, error) {
	switch StoreType(cfg.Store.Type) {
	case StoreTypeMemory:
		return NewMemoryArchive(), nil
	case StoreTypeRedis:
		return NewRedisArchive(cfg.Redis)
	case StoreTypeDatabase:
		return NewGormArchive(cfg.Database, logger)
	default:
		return nil, fmt.Errorf("unsupported archive store type: %s", cfg.Store.Type)
	}
}
