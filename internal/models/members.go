package models

import "time"

const MemberStatusActive = "ACTIVE"

// Member is the slice of the member table the OTP purpose checks read.
type Member struct {
	ID          string    `json:"id" db:"id" gorm:"type:uuid;primaryKey"`
	TenantCode  string    `json:"tenant_code" db:"tenant_code" gorm:"size:64;not null;uniqueIndex:ux_members_tenant_phone,priority:1"`
	PhoneNumber string    `json:"phone_number" db:"phone_number" gorm:"size:20;not null;uniqueIndex:ux_members_tenant_phone,priority:2"`
	Status      string    `json:"status" db:"status" gorm:"size:16;not null"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

func (Member) TableName() string { return "members" }
