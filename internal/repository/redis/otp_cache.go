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
	otpPrefix         = "otp:"
	otpAttemptPrefix  = "otp_attempts:"
	otpVerifiedPrefix = "otp_verified:"
)

// OTPCache keeps one challenge per (session, phone) plus its attempt
// counter and the verified marker left behind by a successful verify.
type OTPCache struct {
	client *client.RedisClient
	tenant string
}

func NewOTPCache(client *client.RedisClient, tenant string) *OTPCache {
	return &OTPCache{client: client, tenant: tenant}
}

func (c *OTPCache) suffix(sessionID, phone string) string {
	return c.tenant + ":" + sessionID + ":" + phone
}

// SaveChallenge overwrites any prior challenge and clears its attempts and
// verified marker.
func (c *OTPCache) SaveChallenge(ctx context.Context, sessionID, phone, payload string, ttl time.Duration) error {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	s := c.suffix(sessionID, phone)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, otpPrefix+s, payload, ttl)
	pipe.Del(ctx, otpAttemptPrefix+s, otpVerifiedPrefix+s)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store OTP challenge",
			zap.String("session_id", sessionID),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to store OTP challenge: %w", err)
	}

	util.Debug("OTP challenge stored", zap.String("session_id", sessionID), zap.Duration("ttl", ttl))
	return nil
}

// GetChallenge returns the raw stored payload; found is false when none exists.
func (c *OTPCache) GetChallenge(ctx context.Context, sessionID, phone string) (payload string, found bool, err error) {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	payload, err = c.client.Get(ctx, otpPrefix+c.suffix(sessionID, phone))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", false, nil
		}
		util.Error("Failed to get OTP challenge", zap.String("session_id", sessionID), zap.Error(err))
		return "", false, fmt.Errorf("failed to get OTP challenge: %w", err)
	}
	return payload, true, nil
}

// DeleteChallengeIfMatch removes the challenge only while it still holds
// payload. Exactly one concurrent caller observes true.
func (c *OTPCache) DeleteChallengeIfMatch(ctx context.Context, sessionID, phone, payload string) (bool, error) {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	deleted, err := c.client.CompareAndDelete(ctx, otpPrefix+c.suffix(sessionID, phone), payload)
	if err != nil {
		util.Error("Failed to delete OTP challenge", zap.String("session_id", sessionID), zap.Error(err))
		return false, fmt.Errorf("failed to delete OTP challenge: %w", err)
	}
	return deleted, nil
}

// IncrementAttempts counts failed verifications against the current challenge.
func (c *OTPCache) IncrementAttempts(ctx context.Context, sessionID, phone string, ttl time.Duration) (int64, error) {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	count, err := c.client.IncrWindow(ctx, otpAttemptPrefix+c.suffix(sessionID, phone), ttl)
	if err != nil {
		util.Error("Failed to increment OTP attempts", zap.String("session_id", sessionID), zap.Error(err))
		return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}
	return count, nil
}

func (c *OTPCache) ClearAttempts(ctx context.Context, sessionID, phone string) error {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	if err := c.client.Del(ctx, otpAttemptPrefix+c.suffix(sessionID, phone)); err != nil {
		return fmt.Errorf("failed to reset OTP attempts: %w", err)
	}
	return nil
}

func (c *OTPCache) MarkVerified(ctx context.Context, sessionID, phone string, ttl time.Duration) error {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, otpVerifiedPrefix+c.suffix(sessionID, phone), "1", ttl); err != nil {
		util.Error("Failed to record OTP verification", zap.String("session_id", sessionID), zap.Error(err))
		return fmt.Errorf("failed to record OTP verification: %w", err)
	}
	return nil
}

// ConsumeVerified reads and removes the verified marker in one step.
func (c *OTPCache) ConsumeVerified(ctx context.Context, sessionID, phone string) (bool, error) {
	ctx, cancel := c.client.WithContext(ctx)
	defer cancel()

	_, err := c.client.GetDel(ctx, otpVerifiedPrefix+c.suffix(sessionID, phone))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to consume OTP verification: %w", err)
	}
	return true, nil
}
