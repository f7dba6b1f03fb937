package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smartdevs17/usds-yield-tracker/internal/config"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

// Store is a byte-oriented TTL cache.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by cfg.Type. "none" returns a nil Store.
func New(cfg *config.CacheConfig) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "none":
		return nil, nil
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Invalid redis url", err.Error())
		}
		return NewRedisStore(opt), nil
	default:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Unsupported cache type", cfg.Type)
	}
}

// GetJSON decodes a cached value into out. A nil store is always a miss.
func GetJSON(ctx context.Context, s Store, key string, out interface{}) (bool, error) {
	if s == nil {
		return false, nil
	}
	b, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		// Unreadable entries are dropped.
		_ = s.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, b, ttl)
}
