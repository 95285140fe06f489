package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jnow "github.com/jinzhu/now"
	"go.uber.org/zap"

	"admission-service/internal/audit"
	"admission-service/internal/clock"
	"admission-service/internal/config"
	"admission-service/internal/metrics"
	"admission-service/internal/models"
	"admission-service/internal/repository"
	"admission-service/internal/util"
)

const (
	maxReasonLength  = 500
	maxSearchPattern = 64
	defaultListLimit = 50
	maxListLimit     = 500
	systemOperator   = "system"

	// MaxBlockTTL bounds temporary blocks; longer ones should be permanent.
	MaxBlockTTL = 10 * 365 * 24 * time.Hour
)

// blockFlagCache is the fast projection of the ledger, *redis.BlockCache in production.
type blockFlagCache interface {
	GetFlag(ctx context.Context, ip string) (blocked bool, found bool, err error)
	SetFlag(ctx context.Context, ip string, blocked bool, ttl time.Duration) error
	SetFlagIfAbsent(ctx context.Context, ip string, blocked bool, ttl time.Duration) (bool, error)
	SetFlags(ctx context.Context, ips []string, blocked bool, ttl time.Duration) error
}

type BlockRequest struct {
	IP     string
	Reason string
	// TTL nil means a permanent block.
	TTL       *time.Duration
	BlockedBy string
}

// IPBlockRegistry answers "is this address blocked" from the cache and falls
// back to the durable ledger on a miss. All state is scoped to one tenant.
type IPBlockRegistry struct {
	store    repository.BlockStore
	cache    blockFlagCache
	clock    clock.Clock
	tenant   string
	cacheTTL time.Duration
	policy   config.FailurePolicy
	metrics  *metrics.Metrics
	audit    *audit.Recorder
}

func NewIPBlockRegistry(
	store repository.BlockStore,
	cache blockFlagCache,
	clk clock.Clock,
	cfg *config.Config,
	m *metrics.Metrics,
	recorder *audit.Recorder,
) *IPBlockRegistry {
	if clk == nil {
		clk = clock.System()
	}
	ttl := cfg.IPBlock.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	policy := cfg.IPBlock.FailurePolicy
	if policy == "" {
		policy = config.FailOpen
	}
	return &IPBlockRegistry{
		store:    store,
		cache:    cache,
		clock:    clk,
		tenant:   cfg.TenantCode,
		cacheTTL: ttl,
		policy:   policy,
		metrics:  m,
		audit:    recorder,
	}
}

// NormalizeIP returns the canonical textual form of an IPv4 or IPv6 address.
func NormalizeIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil || addr.Zone() != "" {
		return "", fmt.Errorf("%w: malformed ip address %q", ErrInvalidInput, raw)
	}
	return addr.Unmap().String(), nil
}

// IsBlocked never fails on collaborator errors; those are resolved by the
// configured failure policy. The only error is a malformed address.
func (r *IPBlockRegistry) IsBlocked(ctx context.Context, rawIP string) (bool, error) {
	ip, err := NormalizeIP(rawIP)
	if err != nil {
		return false, err
	}

	blocked, found, err := r.cache.GetFlag(ctx, ip)
	if err != nil {
		return r.degraded(ip, err), nil
	}
	if found {
		r.metrics.Inc(metrics.BlockCacheHit)
		r.countDecision(blocked)
		return blocked, nil
	}
	r.metrics.Inc(metrics.BlockCacheMiss)

	now := r.clock.Now()
	block, err := r.store.FindActive(ctx, r.tenant, ip, now)
	if err != nil {
		return r.degraded(ip, err), nil
	}

	blocked = block != nil && block.EnforcedAt(now)
	ttl := r.cacheTTL
	if blocked && !block.IsPermanent && block.ExpiresAt != nil {
		if rem := block.Remaining(now); rem < ttl {
			ttl = rem
		}
	}
	// A zero TTL would make the flag permanent in Redis. The write-back only
	// fills an empty slot so a Block or Unblock that committed after FindActive
	// keeps its flag.
	if ttl > 0 {
		if _, err := r.cache.SetFlagIfAbsent(ctx, ip, blocked, ttl); err != nil {
			util.Warn("Failed to write back block flag", zap.String("ip", ip), zap.Error(err))
		}
	}

	r.countDecision(blocked)
	return blocked, nil
}

func (r *IPBlockRegistry) countDecision(blocked bool) {
	if blocked {
		r.metrics.Inc(metrics.BlockCheckBlocked)
	} else {
		r.metrics.Inc(metrics.BlockCheckAllowed)
	}
}

func (r *IPBlockRegistry) degraded(ip string, cause error) bool {
	blocked := r.policy == config.FailClosed
	r.metrics.Inc(metrics.BlockCheckDegraded)
	util.Error("Block check degraded; applying failure policy",
		zap.String("ip", ip),
		zap.String("policy", string(r.policy)),
		zap.Bool("blocked", blocked),
		zap.Error(cause))

	ev := audit.NewEvent(audit.EventDegraded, audit.OutcomeFailure)
	ev.IPAddress = ip
	ev.Reason = cause.Error()
	ev.Details = map[string]string{"component": "ip_block_registry", "policy": string(r.policy)}
	r.audit.Record(context.Background(), ev)
	return blocked
}

func validateReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	switch {
	case reason == "":
		return "", fmt.Errorf("%w: reason is required", ErrInvalidInput)
	case len(reason) > maxReasonLength:
		return "", fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, maxReasonLength)
	case util.ContainsSuspicious(reason):
		return "", fmt.Errorf("%w: reason contains disallowed characters", ErrInvalidInput)
	}
	return reason, nil
}

// Block records a new ACTIVE block. A past-expiry ACTIVE row of the same
// address is flipped to EXPIRED first so it cannot hold the slot.
func (r *IPBlockRegistry) Block(ctx context.Context, req BlockRequest) (*models.IPBlock, error) {
	ip, err := NormalizeIP(req.IP)
	if err != nil {
		return nil, err
	}
	reason, err := validateReason(req.Reason)
	if err != nil {
		return nil, err
	}
	if req.TTL != nil && (*req.TTL <= 0 || *req.TTL > MaxBlockTTL) {
		return nil, fmt.Errorf("%w: ttl must be positive and at most %s", ErrInvalidInput, MaxBlockTTL)
	}
	by := strings.TrimSpace(req.BlockedBy)
	if by == "" {
		by = systemOperator
	}

	now := r.clock.Now()
	if _, err := r.store.ExpireStale(ctx, r.tenant, ip, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	block := &models.IPBlock{
		ID:          uuid.NewString(),
		TenantCode:  r.tenant,
		IPAddress:   ip,
		Reason:      reason,
		IsPermanent: req.TTL == nil,
		BlockedAt:   now,
		Status:      models.BlockStatusActive,
		BlockedBy:   by,
		UpdatedAt:   now,
	}
	flagTTL := r.cacheTTL
	if req.TTL != nil {
		expires := now.Add(*req.TTL)
		block.ExpiresAt = &expires
		flagTTL = *req.TTL
	}

	if err := r.store.InsertActive(ctx, block); err != nil {
		if errors.Is(err, repository.ErrActiveBlockExists) {
			r.metrics.Inc(metrics.BlockConflict)
			return nil, fmt.Errorf("%w: %s", ErrAlreadyBlocked, ip)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.metrics.Inc(metrics.BlockCreated)

	if err := r.cache.SetFlag(ctx, ip, true, flagTTL); err != nil {
		util.Error("Block stored but flag write failed; cache may lag until its TTL",
			zap.String("ip", ip), zap.Error(err))
	}

	util.Info("IP address blocked",
		zap.String("ip", ip),
		zap.Bool("permanent", block.IsPermanent),
		zap.String("blocked_by", by))

	ev := audit.NewEvent(audit.EventIPBlocked, audit.OutcomeSuccess)
	ev.IPAddress = ip
	ev.Subject = by
	ev.Reason = reason
	ev.Details = map[string]string{"block_id": block.ID, "permanent": strconv.FormatBool(block.IsPermanent)}
	if block.ExpiresAt != nil {
		ev.Details["expires_at"] = block.ExpiresAt.Format(time.RFC3339)
	}
	r.audit.Record(ctx, ev)

	return block, nil
}

func (r *IPBlockRegistry) Unblock(ctx context.Context, ip, by string) (int, error) {
	return r.UnblockMany(ctx, []string{ip}, by)
}

// UnblockMany returns the number of addresses that had an ACTIVE block.
func (r *IPBlockRegistry) UnblockMany(ctx context.Context, rawIPs []string, by string) (int, error) {
	seen := make(map[string]struct{}, len(rawIPs))
	ips := make([]string, 0, len(rawIPs))
	for _, raw := range rawIPs {
		ip, err := NormalizeIP(raw)
		if err != nil {
			return 0, err
		}
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}
	if len(ips) == 0 {
		return 0, nil
	}
	by = strings.TrimSpace(by)
	if by == "" {
		by = systemOperator
	}

	changed, err := r.store.MarkUnblocked(ctx, r.tenant, ips, by, r.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(changed) == 0 {
		return 0, nil
	}
	r.metrics.Add(metrics.BlockUnblocked, uint64(len(changed)))

	if err := r.cache.SetFlags(ctx, changed, false, r.cacheTTL); err != nil {
		util.Error("Unblocked in store but flag write failed; cache may lag until its TTL",
			zap.Strings("ips", changed), zap.Error(err))
	}

	for _, ip := range changed {
		ev := audit.NewEvent(audit.EventIPUnblocked, audit.OutcomeSuccess)
		ev.IPAddress = ip
		ev.Subject = by
		r.audit.Record(ctx, ev)
	}
	util.Info("IP addresses unblocked", zap.Strings("ips", changed), zap.String("unblocked_by", by))
	return len(changed), nil
}

// ReconcileExpired flips lapsed temporary blocks to EXPIRED and clears their flags.
func (r *IPBlockRegistry) ReconcileExpired(ctx context.Context) (int, error) {
	expired, err := r.store.ExpireBefore(ctx, r.tenant, r.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	r.metrics.Add(metrics.BlockExpired, uint64(len(expired)))

	if err := r.cache.SetFlags(ctx, expired, false, r.cacheTTL); err != nil {
		util.Error("Expired blocks but flag write failed; cache may lag until its TTL",
			zap.Int("count", len(expired)), zap.Error(err))
	}
	for _, ip := range expired {
		ev := audit.NewEvent(audit.EventIPBlockExpired, audit.OutcomeSuccess)
		ev.IPAddress = ip
		ev.Subject = systemOperator
		r.audit.Record(ctx, ev)
	}
	util.Info("Expired IP blocks reconciled", zap.Int("count", len(expired)))
	return len(expired), nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (r *IPBlockRegistry) ListActive(ctx context.Context, limit, offset int) ([]models.IPBlock, error) {
	limit, offset = clampPage(limit, offset)
	blocks, err := r.store.ListActive(ctx, r.tenant, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return blocks, nil
}

// Search matches pattern case-insensitively against address and reason across all statuses.
func (r *IPBlockRegistry) Search(ctx context.Context, pattern string, limit int) ([]models.IPBlock, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || len(pattern) > maxSearchPattern {
		return nil, fmt.Errorf("%w: search pattern must be 1-%d characters", ErrInvalidInput, maxSearchPattern)
	}
	limit, _ = clampPage(limit, 0)
	blocks, err := r.store.Search(ctx, r.tenant, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return blocks, nil
}

func (r *IPBlockRegistry) Statistics(ctx context.Context) (*models.BlockStatistics, error) {
	now := r.clock.Now()
	dayStart := jnow.With(now).BeginningOfDay()
	stats, err := r.store.Statistics(ctx, r.tenant, now, dayStart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stats.TenantCode = r.tenant
	stats.GeneratedAt = now
	return stats, nil
}

// CleanupRetention deletes EXPIRED and UNBLOCKED rows older than olderThan.
// ACTIVE rows are never touched.
func (r *IPBlockRegistry) CleanupRetention(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention period must be positive", ErrInvalidInput)
	}
	cutoff := r.clock.Now().Add(-olderThan)
	n, err := r.store.DeleteInactiveBefore(ctx, r.tenant, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n > 0 {
		r.metrics.Add(metrics.BlockRetentionDeleted, uint64(n))
		ev := audit.NewEvent(audit.EventIPBlockPurged, audit.OutcomeSuccess)
		ev.Subject = systemOperator
		ev.Details = map[string]string{"deleted": strconv.FormatInt(n, 10), "cutoff": cutoff.Format(time.RFC3339)}
		r.audit.Record(ctx, ev)
		util.Info("Inactive IP blocks purged", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
