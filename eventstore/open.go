package eventstore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/aethyr/world/config"
)

// Backend names accepted by storage.backend
const (
	BackendRedis    = "redis"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// OpenBackend builds the configured backend. The choice is made once here;
// when Redis is unreachable and storage.fallback_to_file is set, the file
// backend is used instead. db is only needed for the postgres backend.
func OpenBackend(ctx context.Context, cfg config.Config, db *gorm.DB) (Backend, error) {
	switch cfg.Storage.Backend {
	case BackendRedis, "":
		backend, err := NewRedisBackend(ctx, &redis.Options{
			Addr:     cfg.Redis.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err == nil {
			log.Info().Str("addr", cfg.Redis.RedisAddr()).Msg("Using Redis event store")
			return backend, nil
		}
		if !cfg.Storage.FallbackToFile {
			return nil, err
		}
		log.Warn().Err(err).Str("path", cfg.Storage.Path).Msg("Redis unavailable, falling back to file storage")
		return NewFileBackend(cfg.Storage.Path)

	case BackendFile:
		log.Info().Str("path", cfg.Storage.Path).Msg("Using file event store")
		return NewFileBackend(cfg.Storage.Path)

	case BackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres backend needs a database connection")
		}
		log.Info().Msg("Using SQL event store")
		return NewGormBackend(db)

	case BackendMemory:
		log.Warn().Msg("Using in-memory event store, events will not survive a restart")
		return NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}
