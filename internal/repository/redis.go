package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"probooking/internal/config"
	"probooking/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyPrefix = "idempotency:"
	rateLimitPrefix   = "rate_limit:"
)

type RedisRequestStore struct {
	client *redis.Client
}

// NewRedisClient builds a client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisRequestStore(client *redis.Client) *RedisRequestStore {
	return &RedisRequestStore{client: client}
}

// GetResponse returns nil, nil when nothing is stored for key.
func (r *RedisRequestStore) GetResponse(ctx context.Context, key string) (*models.StoredResponse, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get response from redis: %w", err)
	}

	var resp models.StoredResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored response: %w", err)
	}
	return &resp, nil
}

// SaveResponse stores resp unless a response for key already exists.
func (r *RedisRequestStore) SaveResponse(ctx context.Context, key string, resp *models.StoredResponse, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := r.client.SetNX(ctx, idempotencyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store response in redis: %w", err)
	}
	return nil
}

// CheckRateLimit is a fixed-window counter; true means the call is within limit.
func (r *RedisRequestStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	redisKey := rateLimitPrefix + key
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	return count <= int64(limit), nil
}

// Ping checks the connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
