// Package metrics counts admission decisions in process and exports them
// through OpenTelemetry observable counters.
package metrics

import (
	"sync/atomic"
)

type MetricID uint16

const (
	RateLimitAllowed MetricID = iota
	RateLimitDenied
	RateLimitDegraded

	BlockCheckBlocked
	BlockCheckAllowed
	BlockCacheHit
	BlockCacheMiss
	BlockCheckDegraded
	BlockCreated
	BlockConflict
	BlockUnblocked
	BlockExpired
	BlockRetentionDeleted

	OTPIssued
	OTPIssueRateLimited
	OTPDispatchFailed
	OTPVerified
	OTPMismatch
	OTPExpired
	OTPNotIssued
	OTPTooManyAttempts
	OTPDegraded

	metricIDCount
)

// names are the exported instrument names, indexed by MetricID.
var names = [metricIDCount]string{
	RateLimitAllowed:      "admission_rate_limit_allowed_total",
	RateLimitDenied:       "admission_rate_limit_denied_total",
	RateLimitDegraded:     "admission_rate_limit_degraded_total",
	BlockCheckBlocked:     "admission_block_check_blocked_total",
	BlockCheckAllowed:     "admission_block_check_allowed_total",
	BlockCacheHit:         "admission_block_cache_hit_total",
	BlockCacheMiss:        "admission_block_cache_miss_total",
	BlockCheckDegraded:    "admission_block_check_degraded_total",
	BlockCreated:          "admission_block_created_total",
	BlockConflict:         "admission_block_conflict_total",
	BlockUnblocked:        "admission_block_unblocked_total",
	BlockExpired:          "admission_block_expired_total",
	BlockRetentionDeleted: "admission_block_retention_deleted_total",
	OTPIssued:             "admission_otp_issued_total",
	OTPIssueRateLimited:   "admission_otp_issue_rate_limited_total",
	OTPDispatchFailed:     "admission_otp_dispatch_failed_total",
	OTPVerified:           "admission_otp_verified_total",
	OTPMismatch:           "admission_otp_mismatch_total",
	OTPExpired:            "admission_otp_expired_total",
	OTPNotIssued:          "admission_otp_not_issued_total",
	OTPTooManyAttempts:    "admission_otp_too_many_attempts_total",
	OTPDegraded:           "admission_otp_degraded_total",
}

const auditDroppedName = "admission_audit_dropped_total"

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is safe for concurrent use. A nil *Metrics discards everything.
type Metrics struct {
	counters     [metricIDCount]paddedCounter
	auditDropped atomic.Pointer[func() uint64]
}

// Snapshot maps instrument names to their current values.
type Snapshot map[string]uint64

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Inc(id MetricID) {
	m.Add(id, 1)
}

func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || id >= metricIDCount || n == 0 {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// ObserveAuditDropped registers the source of the audit drop counter.
func (m *Metrics) ObserveAuditDropped(fn func() uint64) {
	if m == nil || fn == nil {
		return
	}
	m.auditDropped.Store(&fn)
}

func (m *Metrics) Snapshot() Snapshot {
	out := make(Snapshot, metricIDCount+1)
	if m == nil {
		return out
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		out[names[id]] = atomic.LoadUint64(&m.counters[id].value)
	}
	var dropped uint64
	if fn := m.auditDropped.Load(); fn != nil {
		dropped = (*fn)()
	}
	out[auditDroppedName] = dropped
	return out
}

// Name returns the exported instrument name of id.
func Name(id MetricID) string {
	if id >= metricIDCount {
		return ""
	}
	return names[id]
}
