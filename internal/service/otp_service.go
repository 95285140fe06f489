package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"admission-service/internal/audit"
	"admission-service/internal/clock"
	"admission-service/internal/config"
	"admission-service/internal/hashing"
	"admission-service/internal/metrics"
	"admission-service/internal/models"
	"admission-service/internal/notify"
	"admission-service/internal/util"
)

const (
	PurposeSignup       = "signup"
	PurposeRecovery     = "recovery"
	PurposeVerification = "verification"
)

const (
	defaultPhonePattern = `^01[016789][0-9]{7,8}$`
	maxSessionIDLength  = 128
	maxDisplayName      = 40
)

// MemberDirectory answers the identity precondition of an OTP purpose.
type MemberDirectory interface {
	IsRegistered(ctx context.Context, tenant, phone string) (bool, error)
}

// challengeStore is *redis.OTPCache in production.
type challengeStore interface {
	SaveChallenge(ctx context.Context, sessionID, phone, payload string, ttl time.Duration) error
	GetChallenge(ctx context.Context, sessionID, phone string) (string, bool, error)
	DeleteChallengeIfMatch(ctx context.Context, sessionID, phone, payload string) (bool, error)
	IncrementAttempts(ctx context.Context, sessionID, phone string, ttl time.Duration) (int64, error)
	ClearAttempts(ctx context.Context, sessionID, phone string) error
	MarkVerified(ctx context.Context, sessionID, phone string, ttl time.Duration) error
	ConsumeVerified(ctx context.Context, sessionID, phone string) (bool, error)
}

type codeHasher interface {
	HashOTP(otp string) (*hashing.HashResult, error)
	VerifyOTP(otp string, hashResult *hashing.HashResult) (bool, error)
}

type IssueRequest struct {
	SessionID   string
	PhoneNumber string
	Purpose     string
	DisplayName string
	ClientIP    string
}

type IssueResult struct {
	MaskedPhone   string `json:"masked_phone"`
	ExpirySeconds int    `json:"expiry_seconds"`
}

type VerifyResult struct {
	Verified bool `json:"verified"`
}

// OTPService issues and verifies single-use numeric codes bound to a
// (session, phone) pair.
type OTPService struct {
	cfg       config.OTPConfig
	tenant    string
	store     challengeStore
	members   MemberDirectory
	limiter   *RateLimiter
	hasher    codeHasher
	gateway   notify.Gateway
	clock     clock.Clock
	metrics   *metrics.Metrics
	audit     *audit.Recorder
	phoneExpr *regexp.Regexp
}

func NewOTPService(
	cfg *config.Config,
	store challengeStore,
	members MemberDirectory,
	limiter *RateLimiter,
	hasher codeHasher,
	gateway notify.Gateway,
	clk clock.Clock,
	m *metrics.Metrics,
	recorder *audit.Recorder,
) *OTPService {
	if clk == nil {
		clk = clock.System()
	}
	expr, err := regexp.Compile(cfg.OTP.PhonePattern)
	if err != nil || cfg.OTP.PhonePattern == "" {
		if err != nil {
			util.Warn("Invalid OTP_PHONE_PATTERN; using default", zap.Error(err))
		}
		expr = regexp.MustCompile(defaultPhonePattern)
	}
	return &OTPService{
		cfg:       cfg.OTP,
		tenant:    cfg.TenantCode,
		store:     store,
		members:   members,
		limiter:   limiter,
		hasher:    hasher,
		gateway:   gateway,
		clock:     clk,
		metrics:   m,
		audit:     recorder,
		phoneExpr: expr,
	}
}

// NormalizePhone strips formatting and a +82 country prefix.
func (s *OTPService) NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	var phone string
	if rest, ok := strings.CutPrefix(raw, "+82"); ok {
		phone = "0" + strings.TrimPrefix(util.DigitsOnly(rest), "0")
	} else {
		phone = util.DigitsOnly(raw)
	}
	if !s.phoneExpr.MatchString(phone) {
		return "", fmt.Errorf("%w: malformed phone number", ErrInvalidInput)
	}
	return phone, nil
}

func validateSessionID(id string) error {
	if strings.TrimSpace(id) == "" || len(id) > maxSessionIDLength {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return nil
}

func (s *OTPService) challengeTTL() time.Duration {
	return 2 * s.cfg.Validity
}

func (s *OTPService) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if err := validateSessionID(req.SessionID); err != nil {
		return nil, err
	}
	phone, err := s.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	purpose := strings.ToLower(strings.TrimSpace(req.Purpose))
	if purpose == "" {
		purpose = PurposeVerification
	}

	if err := s.checkPurpose(ctx, purpose, phone); err != nil {
		s.issueFailed(ctx, req, phone, err)
		return nil, err
	}

	decision, err := s.limiter.CheckAndIncrement(ctx, ScopeOTPIssue, phone, s.cfg.IssueLimit, s.cfg.IssueWindow)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.metrics.Inc(metrics.OTPIssueRateLimited)
		rlErr := &RateLimitError{
			Scope:      ScopeOTPIssue,
			Limit:      decision.Limit,
			RetryAfter: decision.RetryAfter(s.clock.Now()),
			ResetAt:    decision.ResetAt,
		}
		s.issueFailed(ctx, req, phone, rlErr)
		return nil, rlErr
	}

	code, err := generateCode(s.cfg.Digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	hash, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	payload, err := json.Marshal(models.OTPChallenge{
		Hash:          hash.Hash,
		Salt:          hash.Salt,
		PepperVersion: hash.PepperVersion,
		Algorithm:     hash.Algorithm,
		Purpose:       purpose,
		IssuedAt:      s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := s.store.SaveChallenge(ctx, req.SessionID, phone, string(payload), s.challengeTTL()); err != nil {
		s.metrics.Inc(metrics.OTPDegraded)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	delivered, sendErr := s.gateway.Send(ctx, phone, s.message(req.DisplayName, code))
	if sendErr != nil || !delivered {
		// Never leave a verifiable but undelivered code behind.
		if _, err := s.store.DeleteChallengeIfMatch(ctx, req.SessionID, phone, string(payload)); err != nil {
			util.Error("Failed to roll back undelivered OTP challenge",
				zap.String("session_id", req.SessionID), zap.Error(err))
		}
		s.metrics.Inc(metrics.OTPDispatchFailed)
		err := fmt.Errorf("%w: gateway refused delivery", ErrDispatchFailed)
		if sendErr != nil {
			err = fmt.Errorf("%w: %v", ErrDispatchFailed, sendErr)
		}
		s.issueFailed(ctx, req, phone, err)
		return nil, err
	}

	s.metrics.Inc(metrics.OTPIssued)
	ev := audit.NewEvent(audit.EventOTPIssued, audit.OutcomeSuccess)
	ev.IPAddress = req.ClientIP
	ev.SessionID = req.SessionID
	ev.Phone = phone
	ev.Details = map[string]string{"purpose": purpose}
	s.audit.Record(ctx, ev)

	return &IssueResult{
		MaskedPhone:   util.MaskPhone(phone),
		ExpirySeconds: int(s.cfg.Validity / time.Second),
	}, nil
}

func (s *OTPService) checkPurpose(ctx context.Context, purpose, phone string) error {
	var wantRegistered bool
	switch purpose {
	case PurposeSignup:
		wantRegistered = false
	case PurposeRecovery:
		wantRegistered = true
	case PurposeVerification:
		return nil
	default:
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidInput, purpose)
	}

	registered, err := s.members.IsRegistered(ctx, s.tenant, phone)
	if err != nil {
		util.Error("Member lookup failed during OTP issue", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case registered && !wantRegistered:
		return ErrAlreadyRegistered
	case !registered && wantRegistered:
		return ErrNotRegistered
	}
	return nil
}

func (s *OTPService) message(displayName, code string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = s.cfg.DisplayName
	}
	if utf8.RuneCountInString(name) > maxDisplayName {
		name = string([]rune(name)[:maxDisplayName])
	}
	minutes := int(s.cfg.Validity / time.Minute)
	if name == "" {
		return fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, minutes)
	}
	return fmt.Sprintf("[%s] Your verification code is %s. It expires in %d minutes.", name, code, minutes)
}

func (s *OTPService) issueFailed(ctx context.Context, req IssueRequest, phone string, cause error) {
	ev := audit.NewEvent(audit.EventOTPIssueFailed, audit.OutcomeDenied)
	ev.IPAddress = req.ClientIP
	ev.SessionID = req.SessionID
	ev.Phone = phone
	ev.Reason = cause.Error()
	s.audit.Record(ctx, ev)
}

// Verify consumes the challenge on an exact match. A replayed code fails with
// ErrNotIssued. Cache errors fail closed with ErrUnavailable.
func (s *OTPService) Verify(ctx context.Context, sessionID, rawPhone, code string) (*VerifyResult, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	phone, err := s.NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if len(code) != s.cfg.Digits || util.DigitsOnly(code) != code {
		return nil, fmt.Errorf("%w: code must be %d digits", ErrInvalidInput, s.cfg.Digits)
	}

	result, err := s.verify(ctx, sessionID, phone, code)
	ev := audit.NewEvent(audit.EventOTPVerified, audit.OutcomeSuccess)
	if err != nil {
		ev.EventType = audit.EventOTPVerifyFailed
		ev.Outcome = audit.OutcomeDenied
		ev.Reason = err.Error()
	}
	ev.SessionID = sessionID
	ev.Phone = phone
	s.audit.Record(ctx, ev)
	return result, err
}

func (s *OTPService) verify(ctx context.Context, sessionID, phone, code string) (*VerifyResult, error) {
	payload, found, err := s.store.GetChallenge(ctx, sessionID, phone)
	if err != nil {
		return nil, s.unavailable(err)
	}
	if !found {
		s.metrics.Inc(metrics.OTPNotIssued)
		return nil, ErrNotIssued
	}

	var challenge models.OTPChallenge
	if err := json.Unmarshal([]byte(payload), &challenge); err != nil {
		util.Warn("Discarding unreadable OTP challenge", zap.String("session_id", sessionID), zap.Error(err))
		_, _ = s.store.DeleteChallengeIfMatch(ctx, sessionID, phone, payload)
		s.metrics.Inc(metrics.OTPNotIssued)
		return nil, ErrNotIssued
	}

	now := s.clock.Now()
	age := now.Sub(challenge.IssuedAt)
	if age > s.cfg.Validity {
		if _, err := s.store.DeleteChallengeIfMatch(ctx, sessionID, phone, payload); err != nil {
			util.Warn("Failed to remove expired OTP challenge", zap.Error(err))
		}
		s.metrics.Inc(metrics.OTPExpired)
		return nil, ErrExpired
	}

	match, err := s.hasher.VerifyOTP(code, &hashing.HashResult{
		Hash:          challenge.Hash,
		Salt:          challenge.Salt,
		PepperVersion: challenge.PepperVersion,
		Algorithm:     challenge.Algorithm,
	})
	if err != nil {
		return nil, s.unavailable(err)
	}

	if !match {
		return nil, s.mismatch(ctx, sessionID, phone, payload, s.challengeTTL()-age)
	}

	consumed, err := s.store.DeleteChallengeIfMatch(ctx, sessionID, phone, payload)
	if err != nil {
		return nil, s.unavailable(err)
	}
	if !consumed {
		// A concurrent verify or a re-issue won the race.
		s.metrics.Inc(metrics.OTPNotIssued)
		return nil, ErrNotIssued
	}
	if err := s.store.MarkVerified(ctx, sessionID, phone, s.cfg.VerifiedTTL); err != nil {
		return nil, s.unavailable(err)
	}
	if err := s.store.ClearAttempts(ctx, sessionID, phone); err != nil {
		util.Debug("Failed to clear OTP attempts", zap.Error(err))
	}

	s.metrics.Inc(metrics.OTPVerified)
	return &VerifyResult{Verified: true}, nil
}

func (s *OTPService) mismatch(ctx context.Context, sessionID, phone, payload string, ttl time.Duration) error {
	s.metrics.Inc(metrics.OTPMismatch)
	if s.cfg.MaxVerifyAttempts <= 0 {
		return ErrMismatch
	}
	if ttl <= 0 {
		ttl = s.cfg.Validity
	}

	attempts, err := s.store.IncrementAttempts(ctx, sessionID, phone, ttl)
	if err != nil {
		return s.unavailable(err)
	}
	if attempts >= int64(s.cfg.MaxVerifyAttempts) {
		if _, err := s.store.DeleteChallengeIfMatch(ctx, sessionID, phone, payload); err != nil {
			return s.unavailable(err)
		}
		s.metrics.Inc(metrics.OTPTooManyAttempts)
		util.Warn("OTP challenge revoked after too many attempts",
			zap.String("session_id", sessionID),
			zap.Int64("attempts", attempts))
		return ErrTooManyAttempts
	}
	return ErrMismatch
}

func (s *OTPService) unavailable(err error) error {
	s.metrics.Inc(metrics.OTPDegraded)
	util.Error("OTP verification failed closed", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// ConsumeVerification reports and removes the verified marker left by a
// successful Verify. It succeeds once per verification.
func (s *OTPService) ConsumeVerification(ctx context.Context, sessionID, rawPhone string) (bool, error) {
	if err := validateSessionID(sessionID); err != nil {
		return false, err
	}
	phone, err := s.NormalizePhone(rawPhone)
	if err != nil {
		return false, err
	}
	ok, err := s.store.ConsumeVerified(ctx, sessionID, phone)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

// generateCode returns a uniformly random code of exactly digits digits,
// leading zeros included.
func generateCode(digits int) (string, error) {
	upper := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
