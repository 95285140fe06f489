package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrAlreadyBlocked    = errors.New("ip address already blocked")
	ErrAlreadyRegistered = errors.New("phone number already registered")
	ErrNotRegistered     = errors.New("phone number not registered")
	ErrNotIssued         = errors.New("otp not issued")
	ErrExpired           = errors.New("otp expired")
	ErrMismatch          = errors.New("otp mismatch")
	ErrTooManyAttempts   = errors.New("too many otp attempts")
	ErrDispatchFailed    = errors.New("otp dispatch failed")
	ErrUnavailable       = errors.New("dependency unavailable")
)

// RateLimitError carries when the caller may retry. It matches ErrRateLimited
// under errors.Is.
type RateLimitError struct {
	Scope      string
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: scope %s, limit %d, retry after %s", ErrRateLimited, e.Scope, e.Limit, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
