package service

import (
	"sync"

	"admission-service/internal/audit"
	"admission-service/internal/clock"
	"admission-service/internal/config"
	"admission-service/internal/hashing"
	"admission-service/internal/metrics"
	"admission-service/internal/notify"
	"admission-service/internal/repository"
	redisrepo "admission-service/internal/repository/redis"
)

// Dependencies are the collaborators the services are built from.
type Dependencies struct {
	Config     *config.Config
	Clock      clock.Clock
	RateLimits *redisrepo.RateLimitCache
	BlockFlags *redisrepo.BlockCache
	OTPCache   *redisrepo.OTPCache
	BlockStore repository.BlockStore
	Members    MemberDirectory
	Hasher     *hashing.Hasher
	Gateway    notify.Gateway
	Metrics    *metrics.Metrics
	Recorder   *audit.Recorder
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps Dependencies

	mu            sync.Mutex
	rateLimiter   *RateLimiter
	blockRegistry *IPBlockRegistry
	otpService    *OTPService
}

func NewServiceFactory(deps Dependencies) *ServiceFactory {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	return &ServiceFactory{deps: deps}
}

// RateLimiter returns the rate limiter instance (singleton)
func (f *ServiceFactory) RateLimiter() *RateLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rateLimiterLocked()
}

func (f *ServiceFactory) rateLimiterLocked() *RateLimiter {
	if f.rateLimiter == nil {
		f.rateLimiter = NewRateLimiter(
			f.deps.RateLimits,
			f.deps.Clock,
			f.deps.Config.RateLimit.FailurePolicy,
			f.deps.Metrics,
		)
	}
	return f.rateLimiter
}

// IPBlockRegistry returns the block registry instance (singleton)
func (f *ServiceFactory) IPBlockRegistry() *IPBlockRegistry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockRegistry == nil {
		f.blockRegistry = NewIPBlockRegistry(
			f.deps.BlockStore,
			f.deps.BlockFlags,
			f.deps.Clock,
			f.deps.Config,
			f.deps.Metrics,
			f.deps.Recorder,
		)
	}
	return f.blockRegistry
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.otpService == nil {
		f.otpService = NewOTPService(
			f.deps.Config,
			f.deps.OTPCache,
			f.deps.Members,
			f.rateLimiterLocked(),
			f.deps.Hasher,
			f.deps.Gateway,
			f.deps.Clock,
			f.deps.Metrics,
			f.deps.Recorder,
		)
	}
	return f.otpService
}

func (f *ServiceFactory) Metrics() *metrics.Metrics {
	return f.deps.Metrics
}
