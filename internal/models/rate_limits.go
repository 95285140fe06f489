package models

import "time"

// RateLimitWindow is a read-only view of one fixed-window counter.
type RateLimitWindow struct {
	Scope       string    `json:"scope"`
	Identifier  string    `json:"identifier"`
	WindowStart time.Time `json:"window_start"`
	Count       int64     `json:"count"`
	Limit       int       `json:"limit"`
	ResetAt     time.Time `json:"reset_at"`
}
