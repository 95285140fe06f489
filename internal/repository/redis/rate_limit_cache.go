package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"admission-service/internal/client"
	"admission-service/internal/util"
)

const rateLimitPrefix = "rl:"

// RateLimitCache stores fixed-window counters keyed by
// tenant, scope, identifier and window start.
type RateLimitCache struct {
	client *client.RedisClient
	tenant string
}

func NewRateLimitCache(client *client.RedisClient, tenant string) *RateLimitCache {
	return &RateLimitCache{client: client, tenant: tenant}
}

func (c *RateLimitCache) windowKey(scope, identifier string, windowStart time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s:%d", rateLimitPrefix, c.tenant, scope, identifier, windowStart.Unix())
}

// IncrementWindow bumps the counter of the window starting at windowStart.
// ttl is the remainder of that window.
func (c *RateLimitCache) IncrementWindow(ctx context.Context, scope, identifier string, windowStart time.Time, ttl time.Duration) (int64, error) {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	key := c.windowKey(scope, identifier, windowStart)
	count, err := c.client.IncrWindow(ctx, key, ttl)
	if err != nil {
		util.Error("Failed to increment rate limit window",
			zap.String("scope", scope),
			zap.String("identifier", identifier),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment rate limit window: %w", err)
	}

	util.Debug("Rate limit window incremented",
		zap.String("scope", scope),
		zap.Int64("count", count),
		zap.Duration("ttl", ttl))

	return count, nil
}

// WindowCount reads a counter without touching it. Missing windows count as zero.
func (c *RateLimitCache) WindowCount(ctx context.Context, scope, identifier string, windowStart time.Time) (int64, error) {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	raw, err := c.client.Get(ctx, c.windowKey(scope, identifier, windowStart))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get rate limit window: %w", err)
	}

	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid counter format: %w", err)
	}
	return count, nil
}

// ResetWindow drops the counter of one window.
func (c *RateLimitCache) ResetWindow(ctx context.Context, scope, identifier string, windowStart time.Time) error {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	if err := c.client.Del(ctx, c.windowKey(scope, identifier, windowStart)); err != nil {
		util.Error("Failed to reset rate limit window",
			zap.String("scope", scope),
			zap.String("identifier", identifier),
			zap.Error(err))
		return fmt.Errorf("failed to reset rate limit window: %w", err)
	}
	return nil
}
