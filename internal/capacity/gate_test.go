package capacity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/slotkeeper/internal/apperr"
)

type fixedCounter int

func (c fixedCounter) CountActive(context.Context, string, time.Time) (int, error) {
	return int(c), nil
}

type brokenLimits struct{}

func (brokenLimits) Limit(context.Context, string) (int, error) {
	return 0, errors.New("redis down")
}

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, func() {
		client.Close()
		mr.Close()
	}
}

var slot = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(0, 1, "prov-1", slot))
	assert.NoError(t, Check(1, 2, "prov-1", slot))

	err := Check(1, 1, "prov-1", slot)
	assert.ErrorIs(t, err, apperr.ErrCapacityExceeded)
	assert.Contains(t, err.Error(), "1 of 1 booked")
}

func TestRemaining(t *testing.T) {
	gate := NewGate(StaticLimits{Overrides: map[string]int{"prov-1": 3}}, fixedCounter(1), nil)

	remaining, err := gate.Remaining(context.Background(), "prov-1", slot)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	full := NewGate(StaticLimits{}, fixedCounter(4), nil)
	remaining, err = full.Remaining(context.Background(), "prov-1", slot)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestLimitFallsBackOnSourceError(t *testing.T) {
	gate := NewGate(brokenLimits{}, nil, nil).WithDefaultLimit(2)
	assert.Equal(t, 2, gate.Limit(context.Background(), "prov-1"))
}

func TestAdmitPassesResolvedLimit(t *testing.T) {
	gate := NewGate(StaticLimits{Default: 4}, nil, nil)
	var seen int
	err := gate.Admit(context.Background(), "prov-1", func(_ context.Context, limit int) error {
		seen = limit
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, seen)
}

func TestRedisLimits(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limits := NewRedisLimits(client, 0)
	ctx := context.Background()

	limit, err := limits.Limit(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, 1, limit)

	require.NoError(t, limits.SetLimit(ctx, "prov-1", 5))
	limit, err = limits.Limit(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, 5, limit)

	assert.ErrorIs(t, limits.SetLimit(ctx, "prov-1", 0), apperr.ErrInvalidInput)
}

func TestRedisLimitsCorruptValue(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	require.NoError(t, client.Set(context.Background(), "provider:capacity:prov-1", "many", 0).Err())

	gate := NewGate(NewRedisLimits(client, 1), nil, nil).WithDefaultLimit(3)
	assert.Equal(t, 3, gate.Limit(context.Background(), "prov-1"))
}
