package repository

import (
	"context"
	"errors"
	"time"

	"admission-service/internal/models"
)

var ErrActiveBlockExists = errors.New("active block already exists")

// BlockStore is the authoritative IP block ledger. Every call is tenant scoped
// and uniqueness of ACTIVE rows is enforced by the store itself.
type BlockStore interface {
	// InsertActive stores an ACTIVE block or fails with ErrActiveBlockExists.
	InsertActive(ctx context.Context, block *models.IPBlock) error
	// FindActive returns the ACTIVE block still enforced at now, or nil.
	FindActive(ctx context.Context, tenant, ip string, now time.Time) (*models.IPBlock, error)
	// ExpireStale flips a past-expiry ACTIVE row of one address to EXPIRED.
	ExpireStale(ctx context.Context, tenant, ip string, now time.Time) (int64, error)
	// MarkUnblocked flips ACTIVE rows of ips to UNBLOCKED and returns the addresses changed.
	MarkUnblocked(ctx context.Context, tenant string, ips []string, by string, at time.Time) ([]string, error)
	// ExpireBefore flips every ACTIVE, non-permanent row with expires_at < now.
	ExpireBefore(ctx context.Context, tenant string, now time.Time) ([]string, error)
	ListActive(ctx context.Context, tenant string, limit, offset int) ([]models.IPBlock, error)
	Search(ctx context.Context, tenant, pattern string, limit int) ([]models.IPBlock, error)
	Statistics(ctx context.Context, tenant string, now, dayStart time.Time) (*models.BlockStatistics, error)
	// DeleteInactiveBefore removes EXPIRED and UNBLOCKED rows last touched before cutoff.
	DeleteInactiveBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
}
