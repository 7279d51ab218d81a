package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kitchenstock/backend/internal/domain"
)

type RedisInventoryCache struct {
	client *redis.Client
}

func NewRedisInventoryCache(addr string, password string, db int) *RedisInventoryCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisInventoryCache{client: client}
}

func (c *RedisInventoryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisInventoryCache) Close() error {
	return c.client.Close()
}

func (c *RedisInventoryCache) Get(ctx context.Context, holderID string, version int64) (*domain.InventoryResponse, bool, error) {
	val, err := c.client.Get(ctx, Key(holderID, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp domain.InventoryResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisInventoryCache) Set(ctx context.Context, holderID string, version int64, value *domain.InventoryResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, Key(holderID, version), payload, ttl).Err()
}
