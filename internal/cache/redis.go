// Package cache wraps go-redis for the read-mostly reference data (token
// packages, mining settings) served on hot paths. Callers must tolerate a
// nil *Redis: the engine runs fine without a cache, only slower.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(cfg Config, logger *slog.Logger) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger: logger.With("component", "cache"),
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// SetJSON caches a value as JSON with the provided TTL.
func (r *Redis) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		r.logger.Debug("cache set failed", "key", key, "err", err)
		return err
	}
	return nil
}

// GetJSON loads a cached value into out. found is false on a miss.
func (r *Redis) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	if r == nil {
		return false, nil
	}
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		r.logger.Debug("cache get failed", "key", key, "err", err)
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Invalidate drops a cached key; a miss is not an error.
func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if r == nil {
		return nil
	}
	return r.client.Del(ctx, key).Err()
}
