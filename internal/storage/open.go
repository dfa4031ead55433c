package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DoyleJ11/puzzle-sync/internal/config"
)

// Open builds the backend selected by cfg.StorageBackend.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (Store, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory, "":
		log.Info("session store", zap.String("backend", config.BackendMemory))
		return NewMemory(cfg.SessionTTL), nil
	case config.BackendRedis:
		log.Info("session store", zap.String("backend", config.BackendRedis), zap.String("addr", cfg.RedisAddr))
		r, err := DialRedis(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.SessionTTL)
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.BackendPostgres:
		log.Info("session store", zap.String("backend", config.BackendPostgres))
		p, err := OpenPostgres(ctx, cfg.DatabaseURL, cfg.SessionTTL)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalidConfig, cfg.StorageBackend)
	}
}
