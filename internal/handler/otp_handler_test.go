package handler

import (
	"net/http"
	"testing"
	"time"

	"admission-service/internal/config"
)

func TestOTPIssueAndVerify(t *testing.T) {
	s := newTestServer(t)
	const session = "sess-42"

	rec, resp := s.do(t, call{method: http.MethodPost, path: "/api/v1/otp/issue", session: session,
		body: map[string]string{"phone_number": "010-1234-5678", "purpose": "signup"}})
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("issue: %d %+v", rec.Code, resp)
	}
	data := resp.Data.(map[string]interface{})
	if data["masked_phone"] != "010****5678" || data["expiry_seconds"] != float64(600) {
		t.Fatalf("unexpected issue data %v", data)
	}

	code := s.gateway.lastCode(t)
	verify := call{method: http.MethodPost, path: "/api/v1/otp/verify", session: session,
		body: map[string]string{"phone_number": "01012345678", "code": code}}

	rec, resp = s.do(t, verify)
	if rec.Code != http.StatusOK || resp.Data.(map[string]interface{})["verified"] != true {
		t.Fatalf("verify: %d %+v", rec.Code, resp)
	}

	rec, resp = s.do(t, verify)
	if rec.Code != http.StatusNotFound || resp.Error != "otp_not_issued" {
		t.Fatalf("replay: expected 404 otp_not_issued, got %d %+v", rec.Code, resp)
	}
}

func TestOTPErrorMapping(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name   string
		c      call
		status int
		code   string
	}{
		{
			name:   "missing session",
			c:      call{method: http.MethodPost, path: "/api/v1/otp/issue", body: map[string]string{"phone_number": "01012345678"}},
			status: http.StatusBadRequest, code: "invalid_input",
		},
		{
			name:   "malformed phone",
			c:      call{method: http.MethodPost, path: "/api/v1/otp/issue", session: "s", body: map[string]string{"phone_number": "555"}},
			status: http.StatusBadRequest, code: "invalid_input",
		},
		{
			name:   "unknown field",
			c:      call{method: http.MethodPost, path: "/api/v1/otp/issue", session: "s", body: map[string]string{"phone": "01012345678"}},
			status: http.StatusBadRequest, code: "invalid_input",
		},
		{
			name:   "recovery for unknown member",
			c:      call{method: http.MethodPost, path: "/api/v1/otp/issue", session: "s", body: map[string]string{"phone_number": "01012345678", "purpose": "recovery"}},
			status: http.StatusNotFound, code: "not_registered",
		},
		{
			name:   "verify without issue",
			c:      call{method: http.MethodPost, path: "/api/v1/otp/verify", session: "s", body: map[string]string{"phone_number": "01012345678", "code": "123456"}},
			status: http.StatusNotFound, code: "otp_not_issued",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := s.do(t, tc.c)
			if rec.Code != tc.status || resp.Error != tc.code || resp.Success {
				t.Fatalf("got %d %+v, want %d %s", rec.Code, resp, tc.status, tc.code)
			}
		})
	}
}

func TestOTPIssueLimitSetsRetryAfter(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.OTP.IssueLimit = 1 })
	issue := call{method: http.MethodPost, path: "/api/v1/otp/issue", session: "s", body: map[string]string{"phone_number": "01012345678"}}

	if rec, _ := s.do(t, issue); rec.Code != http.StatusOK {
		t.Fatalf("first issue: %d", rec.Code)
	}
	rec, resp := s.do(t, issue)
	if rec.Code != http.StatusTooManyRequests || resp.Error != "rate_limited" {
		t.Fatalf("expected 429, got %d %+v", rec.Code, resp)
	}
	if rec.Header().Get("Retry-After") != "3600" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestOTPMismatchAndExpiry(t *testing.T) {
	s := newTestServer(t)
	issue := call{method: http.MethodPost, path: "/api/v1/otp/issue", session: "s", body: map[string]string{"phone_number": "01012345678"}}
	if rec, _ := s.do(t, issue); rec.Code != http.StatusOK {
		t.Fatalf("issue: %d", rec.Code)
	}
	code := s.gateway.lastCode(t)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	rec, resp := s.do(t, call{method: http.MethodPost, path: "/api/v1/otp/verify", session: "s",
		body: map[string]string{"phone_number": "01012345678", "code": wrong}})
	if rec.Code != http.StatusUnauthorized || resp.Error != "otp_mismatch" {
		t.Fatalf("expected 401 otp_mismatch, got %d %+v", rec.Code, resp)
	}

	s.clock.Advance(11 * time.Minute)
	rec, resp = s.do(t, call{method: http.MethodPost, path: "/api/v1/otp/verify", session: "s",
		body: map[string]string{"phone_number": "01012345678", "code": code}})
	if rec.Code != http.StatusGone || resp.Error != "otp_expired" {
		t.Fatalf("expected 410 otp_expired, got %d %+v", rec.Code, resp)
	}
}
