package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"ventapos/backend/internal/domain"
)

type RedisAvailabilityCache struct {
	client *redis.Client
}

func NewRedisAvailabilityCache(addr string, password string, db int) *RedisAvailabilityCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAvailabilityCache{client: client}
}

func (c *RedisAvailabilityCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisAvailabilityCache) Close() error {
	return c.client.Close()
}

func (c *RedisAvailabilityCache) Get(ctx context.Context, key string) ([]domain.ProductAvailability, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var availability []domain.ProductAvailability
	if err := json.Unmarshal([]byte(val), &availability); err != nil {
		return nil, false, err
	}
	return availability, true, nil
}

func (c *RedisAvailabilityCache) Set(ctx context.Context, key string, value []domain.ProductAvailability, ttl time.Duration) error {
	if len(value) == 0 {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisAvailabilityCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
