package models

import "time"

type BlockStatus string

const (
	BlockStatusActive    BlockStatus = "ACTIVE"
	BlockStatusExpired   BlockStatus = "EXPIRED"
	BlockStatusUnblocked BlockStatus = "UNBLOCKED"
)

// IPBlock is one entry of the durable block ledger. At most one ACTIVE row
// exists per (TenantCode, IPAddress).
type IPBlock struct {
	ID          string      `json:"id" db:"id" gorm:"type:uuid;primaryKey"`
	TenantCode  string      `json:"tenant_code" db:"tenant_code" gorm:"size:64;not null;index:idx_ip_blocks_tenant_status,priority:1"`
	IPAddress   string      `json:"ip_address" db:"ip_address" gorm:"size:45;not null;index"`
	Reason      string      `json:"reason" db:"reason" gorm:"size:500"`
	IsPermanent bool        `json:"is_permanent" db:"is_permanent" gorm:"not null;default:false"`
	BlockedAt   time.Time   `json:"blocked_at" db:"blocked_at" gorm:"not null;index"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty" db:"expires_at" gorm:"index"`
	Status      BlockStatus `json:"status" db:"status" gorm:"size:16;not null;index:idx_ip_blocks_tenant_status,priority:2"`
	BlockedBy   string      `json:"blocked_by" db:"blocked_by" gorm:"size:128"`
	UnblockedBy string      `json:"unblocked_by,omitempty" db:"unblocked_by" gorm:"size:128"`
	UnblockedAt *time.Time  `json:"unblocked_at,omitempty" db:"unblocked_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

func (IPBlock) TableName() string { return "ip_blocks" }

// EnforcedAt reports whether the block still applies at now. Expiry uses the
// same expires_at < now comparison as the reconcile sweep.
func (b *IPBlock) EnforcedAt(now time.Time) bool {
	if b.Status != BlockStatusActive {
		return false
	}
	if b.IsPermanent || b.ExpiresAt == nil {
		return true
	}
	return !b.ExpiresAt.Before(now)
}

// Remaining is the time left on a temporary block; zero for permanent ones.
func (b *IPBlock) Remaining(now time.Time) time.Duration {
	if b.IsPermanent || b.ExpiresAt == nil {
		return 0
	}
	if d := b.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

type BlockStatistics struct {
	TenantCode    string    `json:"tenant_code"`
	Active        int64     `json:"active"`
	Permanent     int64     `json:"permanent"`
	Temporary     int64     `json:"temporary"`
	Expired       int64     `json:"expired"`
	Unblocked     int64     `json:"unblocked"`
	Total         int64     `json:"total"`
	BlockedToday  int64     `json:"blocked_today"`
	ExpiringIn24h int64     `json:"expiring_in_24h"`
	GeneratedAt   time.Time `json:"generated_at"`
}
