package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"

	"admission-service/internal/audit"
	"admission-service/internal/client"
	"admission-service/internal/clock"
	"admission-service/internal/config"
	"admission-service/internal/encryption"
	"admission-service/internal/hashing"
	"admission-service/internal/metrics"
	"admission-service/internal/models"
	"admission-service/internal/repository/memory"
	redisrepo "admission-service/internal/repository/redis"
	"admission-service/internal/service"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		TenantCode:  "T1",
		Server: config.ServerConfig{
			RequestTimeout: 5 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		RateLimit: config.RateLimitConfig{
			RequestLimit:  100,
			RequestWindow: time.Minute,
			FailurePolicy: config.FailOpen,
		},
		IPBlock: config.IPBlockConfig{
			Store:         config.BlockStoreMemory,
			CacheTTL:      5 * time.Minute,
			FailurePolicy: config.FailOpen,
		},
		OTP: config.OTPConfig{
			Digits:            6,
			Validity:          10 * time.Minute,
			IssueLimit:        10,
			IssueWindow:       time.Hour,
			VerifiedTTL:       10 * time.Minute,
			MaxVerifyAttempts: 5,
			PhonePattern:      `^01[016789][0-9]{7,8}$`,
			DisplayName:       "Admission",
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Peppers:           []string{"test-pepper"},
		},
		Admin: config.AdminConfig{
			JWTSecret: testSecret,
			Issuer:    "admission-service",
		},
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (s *captureSink) Emit(_ context.Context, e models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *captureSink) ofType(eventType string) []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SecurityEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// waitFor polls until n events of eventType reached the sink.
func (s *captureSink) waitFor(t *testing.T, eventType string, n int) []models.SecurityEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events := s.ofType(eventType)
		if len(events) >= n {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s events, have %d", n, eventType, len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type captureGateway struct {
	mu       sync.Mutex
	messages []string
}

func (g *captureGateway) Send(_ context.Context, _ string, message string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, message)
	return true, nil
}

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

func (g *captureGateway) lastCode(t *testing.T) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.messages) == 0 {
		t.Fatal("no message sent")
	}
	return codePattern.FindString(g.messages[len(g.messages)-1])
}

type testServer struct {
	cfg        *config.Config
	mr         *miniredis.Miniredis
	clock      *clock.Fake
	metrics    *metrics.Metrics
	sink       *captureSink
	dispatcher *audit.Dispatcher
	gateway    *captureGateway
	services   *service.ServiceFactory
	router     chi.Router
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	redis := client.NewRedisClientFromClient(rdb, time.Second)

	clk := clock.NewFake(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	m := metrics.New()
	sink := &captureSink{}
	sealer := encryption.NewEncryptionManager(cfg, nil)
	dispatcher := audit.NewDispatcher(audit.Config{Enabled: true, BufferSize: 256}, sink, sealer)
	t.Cleanup(dispatcher.Close)
	recorder := audit.NewRecorder(dispatcher, cfg.TenantCode, clk)
	gw := &captureGateway{}

	services := service.NewServiceFactory(service.Dependencies{
		Config:     cfg,
		Clock:      clk,
		RateLimits: redisrepo.NewRateLimitCache(redis, cfg.TenantCode),
		BlockFlags: redisrepo.NewBlockCache(redis, cfg.TenantCode),
		OTPCache:   redisrepo.NewOTPCache(redis, cfg.TenantCode),
		BlockStore: memory.NewBlockStore(),
		Members:    memory.NewMemberDirectory(),
		Hasher:     hashing.NewHasher(cfg),
		Gateway:    gw,
		Metrics:    m,
		Recorder:   recorder,
	})

	router := NewRouter(Routes{
		Config: cfg,
		OTP:    NewOTPHandler(services.OTPService()),
		Admin: NewAdminHandler(cfg, services.IPBlockRegistry(), services.RateLimiter(), services.OTPService(), m).
			WithPhoneReveal(sealer, recorder),
		Stages: []Stage{
			RateLimitStage(services.RateLimiter(), cfg.RateLimit.RequestLimit, cfg.RateLimit.RequestWindow, clk, recorder),
			BlockCheckStage(services.IPBlockRegistry(), recorder),
			AuditStage(recorder),
		},
	})

	return &testServer{
		cfg:        cfg,
		mr:         mr,
		clock:      clk,
		metrics:    m,
		sink:       sink,
		dispatcher: dispatcher,
		gateway:    gw,
		services:   services,
		router:     router,
	}
}

type call struct {
	method string
	path   string
	body   interface{}
	ip     string
	// forwardedFor is sent as X-Forwarded-For.
	forwardedFor string
	session      string
	token        string
}

func (s *testServer) do(t *testing.T, c call) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&body).Encode(c.body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.ip != "" {
		req.RemoteAddr = net.JoinHostPort(c.ip, "40000")
	}
	if c.forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", c.forwardedFor)
	}
	if c.session != "" {
		req.Header.Set(sessionHeader, c.session)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp Response
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", c.method, c.path, err, rec.Body.String())
		}
	}
	return rec, resp
}

func (s *testServer) adminToken(t *testing.T) string {
	t.Helper()
	token, err := IssueAdminToken(s.cfg.Admin, "op-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}
