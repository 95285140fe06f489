package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"admission-service/internal/models"
	"admission-service/internal/repository"
	"admission-service/internal/util"
)

const createActiveIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS ux_ip_blocks_active
	ON ip_blocks (tenant_code, ip_address) WHERE status = 'ACTIVE'`

const statisticsSQL = `SELECT
	COUNT(*) FILTER (WHERE status = 'ACTIVE') AS active,
	COUNT(*) FILTER (WHERE status = 'ACTIVE' AND is_permanent) AS permanent,
	COUNT(*) FILTER (WHERE status = 'ACTIVE' AND NOT is_permanent) AS temporary,
	COUNT(*) FILTER (WHERE status = 'EXPIRED') AS expired,
	COUNT(*) FILTER (WHERE status = 'UNBLOCKED') AS unblocked,
	COUNT(*) AS total,
	COUNT(*) FILTER (WHERE blocked_at >= ?) AS blocked_today,
	COUNT(*) FILTER (WHERE status = 'ACTIVE' AND NOT is_permanent AND expires_at >= ? AND expires_at < ?) AS expiring_in_24h
FROM ip_blocks WHERE tenant_code = ?`

type IPBlockRepository struct {
	db        *gorm.DB
	opTimeout time.Duration
}

var _ repository.BlockStore = (*IPBlockRepository)(nil)

func NewIPBlockRepository(db *gorm.DB, opTimeout time.Duration) *IPBlockRepository {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &IPBlockRepository{db: db, opTimeout: opTimeout}
}

// Migrate creates the ledger table and the partial unique index that keeps
// a single ACTIVE row per (tenant, ip).
func (r *IPBlockRepository) Migrate(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	if err := db.AutoMigrate(&models.IPBlock{}); err != nil {
		return fmt.Errorf("failed to migrate ip_blocks: %w", err)
	}
	if err := db.Exec(createActiveIndexSQL).Error; err != nil {
		return fmt.Errorf("failed to create active block index: %w", err)
	}
	return nil
}

func (r *IPBlockRepository) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	return r.db.WithContext(ctx), cancel
}

func (r *IPBlockRepository) InsertActive(ctx context.Context, block *models.IPBlock) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	err := db.Transaction(func(tx *gorm.DB) error {
		var existing models.IPBlock
		err := tx.Where("tenant_code = ? AND ip_address = ? AND status = ?",
			block.TenantCode, block.IPAddress, models.BlockStatusActive).
			Take(&existing).Error
		if err == nil {
			return repository.ErrActiveBlockExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(block).Error
	})
	if err != nil {
		// The partial unique index catches inserts racing past the re-check.
		if errors.Is(err, repository.ErrActiveBlockExists) || errors.Is(err, gorm.ErrDuplicatedKey) {
			return repository.ErrActiveBlockExists
		}
		util.Error("Failed to insert ip block",
			zap.String("tenant", block.TenantCode),
			zap.String("ip", block.IPAddress),
			zap.Error(err))
		return fmt.Errorf("failed to insert ip block: %w", err)
	}
	return nil
}

func (r *IPBlockRepository) FindActive(ctx context.Context, tenant, ip string, now time.Time) (*models.IPBlock, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var block models.IPBlock
	err := db.Where("tenant_code = ? AND ip_address = ? AND status = ? AND (is_permanent OR expires_at IS NULL OR expires_at >= ?)",
		tenant, ip, models.BlockStatusActive, now).
		Take(&block).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active block: %w", err)
	}
	return &block, nil
}

func (r *IPBlockRepository) ExpireStale(ctx context.Context, tenant, ip string, now time.Time) (int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&models.IPBlock{}).
		Where("tenant_code = ? AND ip_address = ? AND status = ? AND NOT is_permanent AND expires_at < ?",
			tenant, ip, models.BlockStatusActive, now).
		Updates(map[string]interface{}{"status": models.BlockStatusExpired, "updated_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire stale block: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *IPBlockRepository) MarkUnblocked(ctx context.Context, tenant string, ips []string, by string, at time.Time) ([]string, error) {
	if len(ips) == 0 {
		return nil, nil
	}

	db, cancel := r.conn(ctx)
	defer cancel()

	var changed []models.IPBlock
	res := db.Model(&changed).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "ip_address"}}}).
		Where("tenant_code = ? AND ip_address IN ? AND status = ?", tenant, ips, models.BlockStatusActive).
		Updates(map[string]interface{}{
			"status":       models.BlockStatusUnblocked,
			"unblocked_by": by,
			"unblocked_at": at,
			"updated_at":   at,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to unblock: %w", res.Error)
	}
	return addresses(changed), nil
}

func (r *IPBlockRepository) ExpireBefore(ctx context.Context, tenant string, now time.Time) ([]string, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var changed []models.IPBlock
	res := db.Model(&changed).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "ip_address"}}}).
		Where("tenant_code = ? AND status = ? AND NOT is_permanent AND expires_at < ?",
			tenant, models.BlockStatusActive, now).
		Updates(map[string]interface{}{"status": models.BlockStatusExpired, "updated_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to expire blocks: %w", res.Error)
	}
	return addresses(changed), nil
}

func (r *IPBlockRepository) ListActive(ctx context.Context, tenant string, limit, offset int) ([]models.IPBlock, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var blocks []models.IPBlock
	err := db.Where("tenant_code = ? AND status = ?", tenant, models.BlockStatusActive).
		Order("blocked_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&blocks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active blocks: %w", err)
	}
	return blocks, nil
}

func (r *IPBlockRepository) Search(ctx context.Context, tenant, pattern string, limit int) ([]models.IPBlock, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	like := "%" + escapeLike(pattern) + "%"
	var blocks []models.IPBlock
	err := db.Where(`tenant_code = ? AND (ip_address ILIKE ? ESCAPE '\' OR reason ILIKE ? ESCAPE '\')`, tenant, like, like).
		Order("blocked_at DESC").
		Limit(limit).
		Find(&blocks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search blocks: %w", err)
	}
	return blocks, nil
}

type statisticsRow struct {
	Active        int64 `gorm:"column:active"`
	Permanent     int64 `gorm:"column:permanent"`
	Temporary     int64 `gorm:"column:temporary"`
	Expired       int64 `gorm:"column:expired"`
	Unblocked     int64 `gorm:"column:unblocked"`
	Total         int64 `gorm:"column:total"`
	BlockedToday  int64 `gorm:"column:blocked_today"`
	ExpiringIn24h int64 `gorm:"column:expiring_in_24h"`
}

func (r *IPBlockRepository) Statistics(ctx context.Context, tenant string, now, dayStart time.Time) (*models.BlockStatistics, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var row statisticsRow
	if err := db.Raw(statisticsSQL, dayStart, now, now.Add(24*time.Hour), tenant).Scan(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to compute block statistics: %w", err)
	}

	return &models.BlockStatistics{
		TenantCode:    tenant,
		Active:        row.Active,
		Permanent:     row.Permanent,
		Temporary:     row.Temporary,
		Expired:       row.Expired,
		Unblocked:     row.Unblocked,
		Total:         row.Total,
		BlockedToday:  row.BlockedToday,
		ExpiringIn24h: row.ExpiringIn24h,
		GeneratedAt:   now,
	}, nil
}

func (r *IPBlockRepository) DeleteInactiveBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Where("tenant_code = ? AND status <> ? AND updated_at < ?", tenant, models.BlockStatusActive, cutoff).
		Delete(&models.IPBlock{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old blocks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *IPBlockRepository) HealthCheck(ctx context.Context) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	return db.Exec("SELECT 1").Error
}

func addresses(blocks []models.IPBlock) []string {
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.IPAddress)
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
