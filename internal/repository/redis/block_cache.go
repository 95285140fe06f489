package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"admission-service/internal/client"
	"admission-service/internal/util"
)

const (
	blockFlagPrefix = "ipblock:"

	flagBlocked    = "1"
	flagNotBlocked = "0"
)

// BlockCache holds the disposable BLOCKED / NOT_BLOCKED projection of the
// durable block ledger.
type BlockCache struct {
	client *client.RedisClient
	tenant string
}

func NewBlockCache(client *client.RedisClient, tenant string) *BlockCache {
	return &BlockCache{client: client, tenant: tenant}
}

func (c *BlockCache) key(ip string) string {
	return blockFlagPrefix + c.tenant + ":" + ip
}

// GetFlag reports the cached decision. found is false on a cache miss.
func (c *BlockCache) GetFlag(ctx context.Context, ip string) (blocked bool, found bool, err error) {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	val, err := c.client.Get(ctx, c.key(ip))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to read block flag: %w", err)
	}

	switch val {
	case flagBlocked:
		return true, true, nil
	case flagNotBlocked:
		return false, true, nil
	default:
		// Unknown payloads are treated as a miss so the store gets re-consulted.
		util.Warn("Unexpected block flag value", zap.String("ip", ip), zap.String("value", val))
		return false, false, nil
	}
}

func (c *BlockCache) SetFlag(ctx context.Context, ip string, blocked bool, ttl time.Duration) error {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, c.key(ip), flagValue(blocked), ttl); err != nil {
		util.Error("Failed to write block flag",
			zap.String("ip", ip),
			zap.Bool("blocked", blocked),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to write block flag: %w", err)
	}
	return nil
}

// SetFlags writes the same decision for many addresses in one round trip.
func (c *BlockCache) SetFlags(ctx context.Context, ips []string, blocked bool, ttl time.Duration) error {
	if len(ips) == 0 {
		return nil
	}

	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	pipe := c.client.Pipeline()
	value := flagValue(blocked)
	for _, ip := range ips {
		pipe.Set(ctx, c.key(ip), value, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to write block flags",
			zap.Int("count", len(ips)),
			zap.Bool("blocked", blocked),
			zap.Error(err))
		return fmt.Errorf("failed to write block flags: %w", err)
	}
	return nil
}

// SetFlagIfAbsent writes the decision only when no flag is cached, so it
// never replaces a flag written by an explicit block transition.
func (c *BlockCache) SetFlagIfAbsent(ctx context.Context, ip string, blocked bool, ttl time.Duration) (bool, error) {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	ok, err := c.client.SetNX(ctx, c.key(ip), flagValue(blocked), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to write block flag: %w", err)
	}
	return ok, nil
}

func flagValue(blocked bool) string {
	if blocked {
		return flagBlocked
	}
	return flagNotBlocked
}
