package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Throttle is a sliding-window counter with a per-call limit, used for
// campaign batch-per-minute caps where every campaign carries its own
// limit. The fixed-limit RateLimiter covers the API surface.
type Throttle struct {
	client *Client
	logger *zap.Logger
	window time.Duration
}

// NewThrottle creates a Throttle over the given window.
func NewThrottle(client *Client, logger *zap.Logger, window time.Duration) *Throttle {
	if window == 0 {
		window = time.Minute
	}
	return &Throttle{
		client: client,
		logger: logger,
		window: window,
	}
}

// Allow consumes one slot under the key's limit. Returns false without
// consuming when the window is full.
func (t *Throttle) Allow(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-t.window)
	redisKey := fmt.Sprintf("throttle:%s", key)

	pipe := t.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis pipeline failed: %w", err)
	}

	if int(countCmd.Val()) >= limit {
		t.logger.Debug("throttle window full",
			zap.String("key", key),
			zap.Int("limit", limit),
		)
		return false, nil
	}

	pipe2 := t.client.rdb.Pipeline()
	pipe2.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe2.Expire(ctx, redisKey, t.window+time.Second)
	if _, err := pipe2.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis zadd failed: %w", err)
	}

	return true, nil
}
