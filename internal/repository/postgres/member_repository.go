package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"admission-service/internal/models"
)

// MemberRepository answers the registration preconditions of OTP purposes.
type MemberRepository struct {
	db        *gorm.DB
	opTimeout time.Duration
}

func NewMemberRepository(db *gorm.DB, opTimeout time.Duration) *MemberRepository {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &MemberRepository{db: db, opTimeout: opTimeout}
}

func (r *MemberRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&models.Member{}); err != nil {
		return fmt.Errorf("failed to migrate members: %w", err)
	}
	return nil
}

func (r *MemberRepository) FindByPhone(ctx context.Context, tenant, phone string) (*models.Member, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	var m models.Member
	err := r.db.WithContext(ctx).
		Where("tenant_code = ? AND phone_number = ?", tenant, phone).
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up member: %w", err)
	}
	return &m, nil
}

// IsRegistered reports whether an active member owns phone.
func (r *MemberRepository) IsRegistered(ctx context.Context, tenant, phone string) (bool, error) {
	m, err := r.FindByPhone(ctx, tenant, phone)
	if err != nil {
		return false, err
	}
	return m != nil && m.Status == models.MemberStatusActive, nil
}
