package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"admission-service/internal/bucketing"
	"admission-service/internal/clock"
	"admission-service/internal/config"
	"admission-service/internal/metrics"
	"admission-service/internal/util"
)

const (
	ScopeRequest  = "request"
	ScopeOTPIssue = "otp_issue"
)

// maxLocalLimiters bounds the fallback limiter map during a long cache outage.
const maxLocalLimiters = 10000

// windowCounter is the fixed-window counter store, *redis.RateLimitCache in production.
type windowCounter interface {
	IncrementWindow(ctx context.Context, scope, identifier string, windowStart time.Time, ttl time.Duration) (int64, error)
	WindowCount(ctx context.Context, scope, identifier string, windowStart time.Time) (int64, error)
	ResetWindow(ctx context.Context, scope, identifier string, windowStart time.Time) error
}

type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	// Degraded is set when the counter store was unreachable and the
	// failure policy decided instead.
	Degraded bool `json:"degraded"`
}

// RetryAfter is the time until the current window closes.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.After(now) {
		return d.ResetAt.Sub(now)
	}
	return 0
}

type localLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter counts requests per (scope, identifier) in fixed windows.
type RateLimiter struct {
	counter windowCounter
	clock   clock.Clock
	policy  config.FailurePolicy
	metrics *metrics.Metrics

	mu    sync.Mutex
	local map[string]*localLimiter
}

func NewRateLimiter(counter windowCounter, clk clock.Clock, policy config.FailurePolicy, m *metrics.Metrics) *RateLimiter {
	if clk == nil {
		clk = clock.System()
	}
	if policy == "" {
		policy = config.FailOpen
	}
	return &RateLimiter{
		counter: counter,
		clock:   clk,
		policy:  policy,
		metrics: m,
		local:   make(map[string]*localLimiter),
	}
}

func validateLimit(scope, identifier string, limit int, window time.Duration) error {
	if strings.TrimSpace(scope) == "" || strings.TrimSpace(identifier) == "" {
		return fmt.Errorf("%w: scope and identifier are required", ErrInvalidInput)
	}
	if limit <= 0 || window <= 0 {
		return fmt.Errorf("%w: limit and window must be positive", ErrInvalidInput)
	}
	return nil
}

// CheckAndIncrement counts one call in the current window and reports
// whether it is within limit. Errors are returned only for invalid input.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, scope, identifier string, limit int, window time.Duration) (Decision, error) {
	if err := validateLimit(scope, identifier, limit, window); err != nil {
		return Decision{}, err
	}

	now := r.clock.Now()
	start := bucketing.WindowStart(now, window)
	resetAt := start.Add(window)

	count, err := r.counter.IncrementWindow(ctx, scope, identifier, start, resetAt.Sub(now))
	if err != nil {
		return r.degraded(scope, identifier, limit, window, resetAt, err), nil
	}

	d := Decision{
		Allowed:   count <= int64(limit),
		Remaining: remaining(limit, count),
		Limit:     limit,
		ResetAt:   resetAt,
	}
	if d.Allowed {
		r.metrics.Inc(metrics.RateLimitAllowed)
	} else {
		r.metrics.Inc(metrics.RateLimitDenied)
		util.Debug("Rate limit exceeded",
			zap.String("scope", scope),
			zap.String("identifier", identifier),
			zap.Int64("count", count),
			zap.Int("limit", limit))
	}
	return d, nil
}

// Peek reports the current window without counting a call.
func (r *RateLimiter) Peek(ctx context.Context, scope, identifier string, limit int, window time.Duration) (Decision, error) {
	if err := validateLimit(scope, identifier, limit, window); err != nil {
		return Decision{}, err
	}

	start := bucketing.WindowStart(r.clock.Now(), window)
	count, err := r.counter.WindowCount(ctx, scope, identifier, start)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Decision{
		Allowed:   count < int64(limit),
		Remaining: remaining(limit, count),
		Limit:     limit,
		ResetAt:   start.Add(window),
	}, nil
}

// Reset clears the current window of one identifier.
func (r *RateLimiter) Reset(ctx context.Context, scope, identifier string, window time.Duration) error {
	if err := validateLimit(scope, identifier, 1, window); err != nil {
		return err
	}
	start := bucketing.WindowStart(r.clock.Now(), window)
	if err := r.counter.ResetWindow(ctx, scope, identifier, start); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.mu.Lock()
	for key := range r.local {
		if strings.HasPrefix(key, scope+"|"+identifier+"|") {
			delete(r.local, key)
		}
	}
	r.mu.Unlock()
	return nil
}

func (r *RateLimiter) degraded(scope, identifier string, limit int, window time.Duration, resetAt time.Time, cause error) Decision {
	r.metrics.Inc(metrics.RateLimitDegraded)
	util.Error("Rate limiter degraded; applying failure policy",
		zap.String("scope", scope),
		zap.String("identifier", identifier),
		zap.String("policy", string(r.policy)),
		zap.Error(cause))

	d := Decision{Limit: limit, ResetAt: resetAt, Degraded: true}
	switch r.policy {
	case config.FailClosed:
		d.Allowed = false
	case config.FailLocal:
		d.Allowed = r.allowLocal(scope, identifier, limit, window)
	default:
		d.Allowed = true
	}
	if d.Allowed {
		d.Remaining = limit
	}
	return d
}

// allowLocal approximates the window with a per-process token bucket of
// limit tokens refilled over window.
func (r *RateLimiter) allowLocal(scope, identifier string, limit int, window time.Duration) bool {
	now := r.clock.Now()
	key := fmt.Sprintf("%s|%s|%d|%d", scope, identifier, limit, window)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.local[key]
	if !ok {
		if len(r.local) >= maxLocalLimiters {
			r.pruneLocal(now)
		}
		l = &localLimiter{limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)}
		r.local[key] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

func (r *RateLimiter) pruneLocal(now time.Time) {
	for key, l := range r.local {
		if now.Sub(l.lastSeen) > time.Hour {
			delete(r.local, key)
		}
	}
	if len(r.local) >= maxLocalLimiters {
		r.local = make(map[string]*localLimiter)
	}
}

func remaining(limit int, count int64) int {
	if left := int64(limit) - count; left > 0 {
		return int(left)
	}
	return 0
}
