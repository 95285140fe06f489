package models

import "time"

// SecurityEvent is the record fanned out to the audit sinks.
type SecurityEvent struct {
	ID             string            `json:"id" db:"id"`
	TenantCode     string            `json:"tenant_code" db:"tenant_code"`
	EventType      string            `json:"event_type" db:"event_type"`
	EventDate      string            `json:"event_date" db:"event_date"`
	EventTime      time.Time         `json:"event_time" db:"event_time"`
	IPAddress      string            `json:"ip_address,omitempty" db:"ip_address"`
	Subject        string            `json:"subject,omitempty" db:"subject"`
	SessionID      string            `json:"session_id,omitempty" db:"session_id"`
	PhoneMasked    string            `json:"phone_masked,omitempty" db:"phone_masked"`
	PhoneEncrypted string            `json:"phone_encrypted,omitempty" db:"phone_encrypted"`
	Outcome        string            `json:"outcome" db:"outcome"`
	Reason         string            `json:"reason,omitempty" db:"reason"`
	Details        map[string]string `json:"details,omitempty" db:"details"`
}
