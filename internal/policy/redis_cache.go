package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a read-through cache of resolved policies.
type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisCache creates a policy cache. A zero ttl defaults to five minutes.
func NewRedisCache(redisClient *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{redis: redisClient, ttl: ttl}
}

func (c *RedisCache) key(providerID string) string {
	return fmt.Sprintf("policy:cancellation:%s", providerID)
}

// Get returns the cached policy, or ok=false on a miss.
func (c *RedisCache) Get(ctx context.Context, providerID string) (Policy, bool, error) {
	data, err := c.redis.Get(ctx, c.key(providerID)).Bytes()
	if err == redis.Nil {
		return Policy{}, false, nil
	}
	if err != nil {
		return Policy{}, false, fmt.Errorf("policy: cache get: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, false, fmt.Errorf("policy: cache unmarshal: %w", err)
	}
	return p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, p Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy: cache marshal: %w", err)
	}
	if err := c.redis.Set(ctx, c.key(p.ProviderID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("policy: cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, providerID string) error {
	if err := c.redis.Del(ctx, c.key(providerID)).Err(); err != nil {
		return fmt.Errorf("policy: cache invalidate: %w", err)
	}
	return nil
}
