package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDiffTTL = 24 * time.Hour

// RedisDiffCache keeps version-to-version diffs in Redis. Stored versions
// never change, so entries only expire to bound memory.
type RedisDiffCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDiffCache connects to redisURL and verifies the connection.
func NewRedisDiffCache(redisURL string, ttl time.Duration) (*RedisDiffCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisDiffCacheWithClient(client, ttl), nil
}

func NewRedisDiffCacheWithClient(client *redis.Client, ttl time.Duration) *RedisDiffCache {
	if ttl <= 0 {
		ttl = defaultDiffTTL
	}
	return &RedisDiffCache{
		client: client,
		prefix: "outline:diff:",
		ttl:    ttl,
	}
}

func (c *RedisDiffCache) key(key string) string {
	return c.prefix + key
}

func (c *RedisDiffCache) Get(ctx context.Context, key string) (DiffResult, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return DiffResult{}, false, nil
	}
	if err != nil {
		return DiffResult{}, false, fmt.Errorf("read cached diff: %w", err)
	}

	var result DiffResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return DiffResult{}, false, fmt.Errorf("unmarshal cached diff: %w", err)
	}
	return result, true, nil
}

func (c *RedisDiffCache) Set(ctx context.Context, key string, result DiffResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache diff: %w", err)
	}
	return nil
}

func (c *RedisDiffCache) Close() error {
	return c.client.Close()
}

func (c *RedisDiffCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
