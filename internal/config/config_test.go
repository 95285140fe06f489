package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.IPBlock.CacheTTL != 5*time.Minute {
		t.Fatalf("expected 5m block cache ttl, got %s", cfg.IPBlock.CacheTTL)
	}
	if cfg.IPBlock.FailurePolicy != FailOpen {
		t.Fatalf("expected fail-open block check by default, got %s", cfg.IPBlock.FailurePolicy)
	}
	if cfg.OTP.Validity != 10*time.Minute || cfg.OTP.IssueLimit != 10 || cfg.OTP.IssueWindow != time.Hour {
		t.Fatalf("unexpected otp defaults: %+v", cfg.OTP)
	}
	if cfg.RateLimit.RequestWindow != time.Minute {
		t.Fatalf("expected 1m request window, got %s", cfg.RateLimit.RequestWindow)
	}
	if cfg.GetServerAddress() != ":8080" {
		t.Fatalf("unexpected server address %q", cfg.GetServerAddress())
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("TENANT_CODE", "acme")
	t.Setenv("IPBLOCK_FAILURE_POLICY", "closed")
	t.Setenv("RATE_LIMIT_FAILURE_POLICY", "local")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("OTP_MAX_VERIFY_ATTEMPTS", "0")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TenantCode != "acme" {
		t.Fatalf("tenant override ignored: %q", cfg.TenantCode)
	}
	if cfg.IPBlock.FailurePolicy != FailClosed || cfg.RateLimit.FailurePolicy != FailLocal {
		t.Fatalf("policy overrides ignored: %s / %s", cfg.IPBlock.FailurePolicy, cfg.RateLimit.FailurePolicy)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.OTP.MaxVerifyAttempts != 0 {
		t.Fatalf("expected uncapped verify attempts, got %d", cfg.OTP.MaxVerifyAttempts)
	}
}

func TestValidateRejectsUnknownPolicies(t *testing.T) {
	t.Setenv("IPBLOCK_FAILURE_POLICY", "local")
	t.Setenv("IPBLOCK_STORE", "mysql")

	_, err := LoadConfig()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "IPBLOCK_FAILURE_POLICY") || !strings.Contains(err.Error(), "IPBLOCK_STORE") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestValidateRequiresGatewayURLForHTTPProvider(t *testing.T) {
	t.Setenv("SMS_PROVIDER", "http")

	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "SMS_GATEWAY_URL") {
		t.Fatalf("expected SMS_GATEWAY_URL error, got %v", err)
	}
}

func TestValidateRequiresAdminSecretInProduction(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("ADMIN_JWT_SECRET", "short")

	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "ADMIN_JWT_SECRET") {
		t.Fatalf("expected admin secret error, got %v", err)
	}
}
