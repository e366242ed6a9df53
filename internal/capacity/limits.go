package capacity

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/slotkeeper/internal/apperr"
)

const maxLimit = 100

// Limits supplies per-provider concurrent-slot limits.
type Limits interface {
	Limit(ctx context.Context, providerID string) (int, error)
}

// StaticLimits serves fixed limits, falling back to Default (or 1).
type StaticLimits struct {
	Default   int
	Overrides map[string]int
}

func (s StaticLimits) Limit(_ context.Context, providerID string) (int, error) {
	if v, ok := s.Overrides[providerID]; ok && v > 0 {
		return v, nil
	}
	if s.Default > 0 {
		return s.Default, nil
	}
	return DefaultLimit, nil
}

// RedisLimits keeps provider-edited limits in Redis.
type RedisLimits struct {
	redis    *redis.Client
	fallback int
}

// NewRedisLimits returns a Redis-backed limit source. fallback applies to providers with no stored limit.
func NewRedisLimits(redisClient *redis.Client, fallback int) *RedisLimits {
	if fallback < 1 {
		fallback = DefaultLimit
	}
	return &RedisLimits{redis: redisClient, fallback: fallback}
}

func (r *RedisLimits) key(providerID string) string {
	return fmt.Sprintf("provider:capacity:%s", providerID)
}

// Limit returns the stored limit, or the fallback when none is stored.
func (r *RedisLimits) Limit(ctx context.Context, providerID string) (int, error) {
	raw, err := r.redis.Get(ctx, r.key(providerID)).Result()
	if err == redis.Nil {
		return r.fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("capacity: get limit: %w", err)
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("capacity: parse limit %q: %w", raw, err)
	}
	return limit, nil
}

// SetLimit stores a provider's limit.
func (r *RedisLimits) SetLimit(ctx context.Context, providerID string, limit int) error {
	if limit < 1 || limit > maxLimit {
		return apperr.InvalidInput("capacity must be between 1 and %d", maxLimit)
	}
	if err := r.redis.Set(ctx, r.key(providerID), strconv.Itoa(limit), 0).Err(); err != nil {
		return fmt.Errorf("capacity: set limit: %w", err)
	}
	return nil
}
