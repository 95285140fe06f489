package audit

import (
	"context"

	"admission-service/internal/models"
)

const (
	EventHTTPRequest     = "http_request"
	EventRateLimited     = "rate_limited"
	EventBlockedRequest  = "blocked_request"
	EventIPBlocked       = "ip_blocked"
	EventIPUnblocked     = "ip_unblocked"
	EventIPBlockExpired  = "ip_block_expired"
	EventIPBlockPurged   = "ip_block_purged"
	EventOTPIssued       = "otp_issued"
	EventOTPIssueFailed  = "otp_issue_failed"
	EventOTPVerified     = "otp_verified"
	EventOTPVerifyFailed = "otp_verify_failed"
	EventDegraded        = "degraded_mode"
	EventPhoneRevealed   = "phone_revealed"
)

// PhonePurpose is the key purpose phone numbers are sealed under.
const PhonePurpose = "phone"

const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Event is a security event before it is sealed for the sinks. Phone holds
// the raw number and is replaced by its masked and encrypted forms.
type Event struct {
	models.SecurityEvent
	Phone string `json:"-"`
}

// Sink receives sealed events. Implementations must be safe for use by the
// single dispatcher goroutine.
type Sink interface {
	Emit(ctx context.Context, event models.SecurityEvent) error
}

// PhoneEncrypter is satisfied by *encryption.EncryptionManager.
type PhoneEncrypter interface {
	EncryptToString(ctx context.Context, plaintext, keyPurpose string) (string, error)
}

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, models.SecurityEvent) error { return nil }

func NewEvent(eventType, outcome string) Event {
	var e Event
	e.EventType = eventType
	e.Outcome = outcome
	return e
}
