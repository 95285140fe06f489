package scylla

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"admission-service/internal/models"
	"admission-service/internal/repository"
	"admission-service/internal/util"
)

// orphanGrace is how long a claim may lack its ledger row before it is
// treated as abandoned. It covers an InsertActive between its two writes.
const orphanGrace = time.Minute

// LedgerBucketer spreads a tenant's block history over a fixed set of partitions.
type LedgerBucketer interface {
	LedgerBucket(tenant, ip string) int
	LedgerBuckets() int
}

// IPBlockRepository keeps the block ledger in Scylla. The ip_block_active
// table is claimed with a lightweight transaction, which is what limits each
// (tenant, ip) to a single ACTIVE block.
type IPBlockRepository struct {
	client  *ScyllaClient
	buckets LedgerBucketer
}

var _ repository.BlockStore = (*IPBlockRepository)(nil)

func NewIPBlockRepository(client *ScyllaClient, buckets LedgerBucketer) *IPBlockRepository {
	return &IPBlockRepository{client: client, buckets: buckets}
}

func (r *IPBlockRepository) InsertActive(ctx context.Context, block *models.IPBlock) error {
	id, err := gocql.ParseUUID(block.ID)
	if err != nil {
		return fmt.Errorf("invalid block id %q: %w", block.ID, err)
	}
	bucket := r.buckets.LedgerBucket(block.TenantCode, block.IPAddress)

	applied, err := r.client.Query(ctx, r.client.Prepared.ClaimActive,
		block.TenantCode, block.IPAddress, id, bucket, block.BlockedAt).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to claim active block",
			zap.String("tenant", block.TenantCode),
			zap.String("ip", block.IPAddress),
			zap.Error(err))
		return fmt.Errorf("failed to claim active block: %w", err)
	}
	if !applied {
		return repository.ErrActiveBlockExists
	}

	q := r.client.Query(ctx, r.client.Prepared.InsertBlock,
		block.TenantCode, bucket, id, block.IPAddress, block.Reason, block.IsPermanent,
		block.BlockedAt, block.ExpiresAt, string(block.Status), block.BlockedBy, block.UpdatedAt)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		// Give the claim back so the address is not stuck behind a missing row.
		if _, relErr := r.release(ctx, block.TenantCode, block.IPAddress, id); relErr != nil {
			util.Error("Failed to release active block claim",
				zap.String("ip", block.IPAddress),
				zap.Error(relErr))
		}
		return fmt.Errorf("failed to insert ip block: %w", err)
	}
	return nil
}

func (r *IPBlockRepository) FindActive(ctx context.Context, tenant, ip string, now time.Time) (*models.IPBlock, error) {
	block, err := r.activeBlock(ctx, tenant, ip, now)
	if err != nil || block == nil {
		return nil, err
	}
	if !block.EnforcedAt(now) {
		return nil, nil
	}
	return block, nil
}

func (r *IPBlockRepository) ExpireStale(ctx context.Context, tenant, ip string, now time.Time) (int64, error) {
	block, err := r.activeBlock(ctx, tenant, ip, now)
	if err != nil || block == nil {
		return 0, err
	}
	if block.IsPermanent || block.ExpiresAt == nil || !block.ExpiresAt.Before(now) {
		return 0, nil
	}
	if err := r.transition(ctx, block, models.BlockStatusExpired, "", now); err != nil {
		return 0, err
	}
	return 1, nil
}

func (r *IPBlockRepository) MarkUnblocked(ctx context.Context, tenant string, ips []string, by string, at time.Time) ([]string, error) {
	var changed []string
	for _, ip := range ips {
		block, err := r.activeBlock(ctx, tenant, ip, at)
		if err != nil {
			return changed, err
		}
		if block == nil {
			continue
		}
		if err := r.transition(ctx, block, models.BlockStatusUnblocked, by, at); err != nil {
			return changed, err
		}
		changed = append(changed, ip)
	}
	return changed, nil
}

func (r *IPBlockRepository) ExpireBefore(ctx context.Context, tenant string, now time.Time) ([]string, error) {
	blocks, err := r.scanTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}

	var changed []string
	for i := range blocks {
		b := &blocks[i]
		if b.Status != models.BlockStatusActive || b.IsPermanent || b.ExpiresAt == nil || !b.ExpiresAt.Before(now) {
			continue
		}
		if err := r.transition(ctx, b, models.BlockStatusExpired, "", now); err != nil {
			return changed, err
		}
		changed = append(changed, b.IPAddress)
	}
	return changed, nil
}

func (r *IPBlockRepository) ListActive(ctx context.Context, tenant string, limit, offset int) ([]models.IPBlock, error) {
	blocks, err := r.scanTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return page(filter(blocks, func(b *models.IPBlock) bool {
		return b.Status == models.BlockStatusActive
	}), limit, offset), nil
}

func (r *IPBlockRepository) Search(ctx context.Context, tenant, pattern string, limit int) ([]models.IPBlock, error) {
	blocks, err := r.scanTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(pattern)
	return page(filter(blocks, func(b *models.IPBlock) bool {
		return strings.Contains(strings.ToLower(b.IPAddress), needle) ||
			strings.Contains(strings.ToLower(b.Reason), needle)
	}), limit, 0), nil
}

func (r *IPBlockRepository) Statistics(ctx context.Context, tenant string, now, dayStart time.Time) (*models.BlockStatistics, error) {
	blocks, err := r.scanTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}

	stats := &models.BlockStatistics{TenantCode: tenant, GeneratedAt: now}
	horizon := now.Add(24 * time.Hour)
	for _, b := range blocks {
		stats.Total++
		if !b.BlockedAt.Before(dayStart) {
			stats.BlockedToday++
		}
		switch b.Status {
		case models.BlockStatusActive:
			stats.Active++
			if b.IsPermanent {
				stats.Permanent++
				continue
			}
			stats.Temporary++
			if b.ExpiresAt != nil && !b.ExpiresAt.Before(now) && b.ExpiresAt.Before(horizon) {
				stats.ExpiringIn24h++
			}
		case models.BlockStatusExpired:
			stats.Expired++
		case models.BlockStatusUnblocked:
			stats.Unblocked++
		}
	}
	return stats, nil
}

func (r *IPBlockRepository) DeleteInactiveBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	blocks, err := r.scanTenant(ctx, tenant)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, b := range blocks {
		if b.Status == models.BlockStatusActive || !b.UpdatedAt.Before(cutoff) {
			continue
		}
		id, err := gocql.ParseUUID(b.ID)
		if err != nil {
			continue
		}
		bucket := r.buckets.LedgerBucket(tenant, b.IPAddress)
		if err := r.client.Query(ctx, r.client.Prepared.DeleteBlock, tenant, bucket, id).Exec(); err != nil {
			return n, fmt.Errorf("failed to delete block %s: %w", b.ID, err)
		}
		n++
	}
	return n, nil
}

func (r *IPBlockRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

// activeBlock resolves the claimed ACTIVE row of ip regardless of expiry. A
// claim whose ledger row never landed is released once it is older than
// orphanGrace, so a crashed insert cannot hold the address forever.
func (r *IPBlockRepository) activeBlock(ctx context.Context, tenant, ip string, now time.Time) (*models.IPBlock, error) {
	var (
		id        gocql.UUID
		bucket    int
		claimedAt time.Time
	)
	err := r.client.Query(ctx, r.client.Prepared.GetActive, tenant, ip).Scan(&id, &bucket, &claimedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read active block: %w", err)
	}

	block := models.IPBlock{TenantCode: tenant}
	var status string
	err = r.client.Query(ctx, r.client.Prepared.GetBlock, tenant, bucket, id).
		Scan(blockColumns(&block, &status)...)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			r.releaseOrphan(ctx, tenant, ip, id, claimedAt, now)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read block: %w", err)
	}
	block.Status = models.BlockStatus(status)
	return &block, nil
}

// orphanAbandoned reports whether a claim without a ledger row can be freed.
// Claims from before claimed_at existed read as the zero time.
func orphanAbandoned(claimedAt, now time.Time) bool {
	return claimedAt.IsZero() || now.Sub(claimedAt) >= orphanGrace
}

func (r *IPBlockRepository) releaseOrphan(ctx context.Context, tenant, ip string, id gocql.UUID, claimedAt, now time.Time) {
	if !orphanAbandoned(claimedAt, now) {
		util.Debug("Active block claim is still being written", zap.String("ip", ip), zap.String("block_id", id.String()))
		return
	}
	released, err := r.release(ctx, tenant, ip, id)
	if err != nil {
		util.Error("Failed to release orphaned active block claim",
			zap.String("ip", ip),
			zap.String("block_id", id.String()),
			zap.Error(err))
		return
	}
	if released {
		util.Warn("Released orphaned active block claim",
			zap.String("ip", ip),
			zap.String("block_id", id.String()),
			zap.Time("claimed_at", claimedAt))
	}
}

// transition moves an ACTIVE block to a terminal status and frees the claim.
func (r *IPBlockRepository) transition(ctx context.Context, b *models.IPBlock, status models.BlockStatus, by string, at time.Time) error {
	id, err := gocql.ParseUUID(b.ID)
	if err != nil {
		return fmt.Errorf("invalid block id %q: %w", b.ID, err)
	}
	bucket := r.buckets.LedgerBucket(b.TenantCode, b.IPAddress)

	var q *gocql.Query
	if status == models.BlockStatusUnblocked {
		q = r.client.Query(ctx, r.client.Prepared.SetUnblocked, string(status), by, at, at, b.TenantCode, bucket, id)
	} else {
		q = r.client.Query(ctx, r.client.Prepared.SetStatus, string(status), at, b.TenantCode, bucket, id)
	}
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		return fmt.Errorf("failed to update block status: %w", err)
	}

	if _, err := r.release(ctx, b.TenantCode, b.IPAddress, id); err != nil {
		return fmt.Errorf("failed to release active block: %w", err)
	}

	b.Status = status
	b.UpdatedAt = at
	return nil
}

func (r *IPBlockRepository) release(ctx context.Context, tenant, ip string, id gocql.UUID) (bool, error) {
	return r.client.Query(ctx, r.client.Prepared.ReleaseActive, tenant, ip, id).
		MapScanCAS(map[string]interface{}{})
}

func (r *IPBlockRepository) scanTenant(ctx context.Context, tenant string) ([]models.IPBlock, error) {
	var blocks []models.IPBlock
	for bucket := 0; bucket < r.buckets.LedgerBuckets(); bucket++ {
		scanner := r.client.Query(ctx, r.client.Prepared.ListBucket, tenant, bucket).Iter().Scanner()
		for scanner.Next() {
			block := models.IPBlock{TenantCode: tenant}
			var status string
			if err := scanner.Scan(blockColumns(&block, &status)...); err != nil {
				return nil, fmt.Errorf("failed to scan block: %w", err)
			}
			block.Status = models.BlockStatus(status)
			blocks = append(blocks, block)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to list bucket %d: %w", bucket, err)
		}
	}
	return blocks, nil
}

// blockColumns matches the column order of GetBlock and ListBucket.
func blockColumns(b *models.IPBlock, status *string) []interface{} {
	return []interface{}{
		(*uuidString)(&b.ID), &b.IPAddress, &b.Reason, &b.IsPermanent, &b.BlockedAt, &b.ExpiresAt,
		status, &b.BlockedBy, &b.UnblockedBy, &b.UnblockedAt, &b.UpdatedAt,
	}
}

// uuidString lets a uuid column scan straight into a string field.
type uuidString string

func (u *uuidString) UnmarshalCQL(info gocql.TypeInfo, data []byte) error {
	var id gocql.UUID
	if err := gocql.Unmarshal(info, data, &id); err != nil {
		return err
	}
	*u = uuidString(id.String())
	return nil
}

func filter(blocks []models.IPBlock, keep func(*models.IPBlock) bool) []models.IPBlock {
	out := blocks[:0]
	for i := range blocks {
		if keep(&blocks[i]) {
			out = append(out, blocks[i])
		}
	}
	return out
}

func page(blocks []models.IPBlock, limit, offset int) []models.IPBlock {
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].BlockedAt.After(blocks[j].BlockedAt) })
	if offset >= len(blocks) {
		return nil
	}
	blocks = blocks[offset:]
	if limit > 0 && len(blocks) > limit {
		blocks = blocks[:limit]
	}
	return blocks
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
