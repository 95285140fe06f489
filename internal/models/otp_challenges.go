package models

import "time"

// OTPChallenge is the cached record of an issued code. Only the hash is kept.
type OTPChallenge struct {
	Hash          string    `json:"hash"`
	Salt          string    `json:"salt"`
	PepperVersion int       `json:"pepper_version"`
	Algorithm     string    `json:"algorithm"`
	Purpose       string    `json:"purpose"`
	IssuedAt      time.Time `json:"issued_at"`
}
