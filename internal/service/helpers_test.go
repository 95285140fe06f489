package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"admission-service/internal/client"
	"admission-service/internal/clock"
	"admission-service/internal/config"
	"admission-service/internal/hashing"
	"admission-service/internal/metrics"
	"admission-service/internal/repository/memory"
	redisrepo "admission-service/internal/repository/redis"
	"admission-service/internal/util"
)

var testStart = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	mr      *miniredis.Miniredis
	redis   *client.RedisClient
	clock   *clock.Fake
	metrics *metrics.Metrics
	cfg     *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	return &testEnv{
		mr:      mr,
		redis:   client.NewRedisClientFromClient(rdb, time.Second),
		clock:   clock.NewFake(testStart),
		metrics: metrics.New(),
		cfg:     testConfig(),
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		TenantCode:  "T1",
		RateLimit: config.RateLimitConfig{
			RequestLimit:  120,
			RequestWindow: time.Minute,
			FailurePolicy: config.FailOpen,
		},
		IPBlock: config.IPBlockConfig{
			Store:         config.BlockStoreMemory,
			CacheTTL:      5 * time.Minute,
			FailurePolicy: config.FailOpen,
		},
		OTP: config.OTPConfig{
			Digits:            6,
			Validity:          10 * time.Minute,
			IssueLimit:        10,
			IssueWindow:       time.Hour,
			VerifiedTTL:       10 * time.Minute,
			MaxVerifyAttempts: 5,
			PhonePattern:      defaultPhonePattern,
			DisplayName:       "Admission",
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Peppers:           []string{"test-pepper"},
		},
	}
}

func (e *testEnv) rateLimiter(policy config.FailurePolicy) *RateLimiter {
	return NewRateLimiter(redisrepo.NewRateLimitCache(e.redis, e.cfg.TenantCode), e.clock, policy, e.metrics)
}

func (e *testEnv) registry(store *memory.BlockStore) *IPBlockRegistry {
	return NewIPBlockRegistry(store, redisrepo.NewBlockCache(e.redis, e.cfg.TenantCode), e.clock, e.cfg, e.metrics, nil)
}

func (e *testEnv) otpService(members MemberDirectory, gateway *fakeGateway) *OTPService {
	return NewOTPService(
		e.cfg,
		redisrepo.NewOTPCache(e.redis, e.cfg.TenantCode),
		members,
		e.rateLimiter(config.FailOpen),
		hashing.NewHasher(e.cfg),
		gateway,
		e.clock,
		e.metrics,
		nil,
	)
}

// observeLogs routes the global logger to an in-memory observer for the test.
func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := util.SetLogger(zap.New(core))
	t.Cleanup(restore)
	return logs
}

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

type fakeGateway struct {
	mu       sync.Mutex
	refuse   bool
	err      error
	messages []string
}

func (g *fakeGateway) Send(_ context.Context, _ string, message string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	if g.refuse {
		return false, nil
	}
	g.messages = append(g.messages, message)
	return true, nil
}

func (g *fakeGateway) lastCode(t *testing.T) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.messages) == 0 {
		t.Fatal("no message sent")
	}
	code := codePattern.FindString(g.messages[len(g.messages)-1])
	if code == "" {
		t.Fatalf("no code in %q", g.messages[len(g.messages)-1])
	}
	return code
}

type failingStore struct {
	*memory.BlockStore
}

var errStoreDown = errors.New("store down")

func (failingStore) ExpireStale(context.Context, string, string, time.Time) (int64, error) {
	return 0, errStoreDown
}

func (failingStore) ExpireBefore(context.Context, string, time.Time) ([]string, error) {
	return nil, errStoreDown
}
