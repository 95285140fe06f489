package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"admission-service/internal/audit"
	"admission-service/internal/config"
	"admission-service/internal/service"
)

func TestTrustedRealIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	cases := []struct {
		name   string
		remote string
		xff    string
		realIP string
		want   string
	}{
		{"untrusted peer ignores headers", "203.0.113.9:5555", "198.51.100.77", "198.51.100.78", "203.0.113.9"},
		{"trusted peer uses forwarded client", "10.1.2.3:443", "198.51.100.77", "", "198.51.100.77"},
		{"skips trusted hops from the right", "10.1.2.3:443", "198.51.100.77, 203.0.113.5, 10.9.9.9", "", "203.0.113.5"},
		{"all hops trusted uses leftmost", "10.1.2.3:443", "10.5.5.5, 10.6.6.6", "", "10.5.5.5"},
		{"malformed hop stops the walk", "10.1.2.3:443", "198.51.100.77, garbage", "", "10.1.2.3"},
		{"falls back to X-Real-IP", "10.1.2.3:443", "", "198.51.100.80", "198.51.100.80"},
		{"trusted peer without headers", "10.1.2.3:443", "", "", "10.1.2.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			h := TrustedRealIP(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTrustedRealIPWithoutProxiesUsesPeer(t *testing.T) {
	var got string
	h := TrustedRealIP(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIP(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:9000"
	req.Header.Set("X-Forwarded-For", "198.51.100.77")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "127.0.0.1" {
		t.Fatalf("ClientIP = %q, want peer address", got)
	}
}

func TestForgedForwardingHeaderDoesNotEvadeBlock(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.services.IPBlockRegistry().Block(context.Background(), service.BlockRequest{IP: "203.0.113.9", Reason: "abuse"}); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.do(t, call{method: http.MethodPost, path: "/api/v1/otp/issue", ip: "203.0.113.9", forwardedFor: "198.51.100.77",
		session: "s", body: map[string]string{"phone_number": "01012345678"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("forged header from blocked peer: %d", rec.Code)
	}
	if len(s.gateway.messages) != 0 {
		t.Fatal("no sms should be sent to a blocked client")
	}
}

func TestForwardedClientIsBlockedBehindTrustedProxy(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8"} })
	if _, err := s.services.IPBlockRegistry().Block(context.Background(), service.BlockRequest{IP: "198.51.100.77", Reason: "abuse"}); err != nil {
		t.Fatal(err)
	}

	blocked := call{method: http.MethodPost, path: "/api/v1/otp/issue", ip: "10.0.0.2", forwardedFor: "198.51.100.77",
		session: "s", body: map[string]string{"phone_number": "01012345678"}}
	if rec, _ := s.do(t, blocked); rec.Code != http.StatusForbidden {
		t.Fatalf("forwarded blocked client: %d", rec.Code)
	}

	other := blocked
	other.forwardedFor = "198.51.100.78"
	if rec, _ := s.do(t, other); rec.Code != http.StatusOK {
		t.Fatalf("forwarded unblocked client: %d", rec.Code)
	}
}

func TestBlockedClientIsRefusedBeforeAdminAuth(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.services.IPBlockRegistry().Block(context.Background(), service.BlockRequest{IP: "203.0.113.10", Reason: "token guessing"}); err != nil {
		t.Fatal(err)
	}

	rec, resp := s.do(t, call{method: http.MethodGet, path: "/api/v1/admin/ip-blocks", ip: "203.0.113.10", token: "guess"})
	if rec.Code != http.StatusForbidden || resp.Error != "forbidden" {
		t.Fatalf("blocked admin caller: %d %+v", rec.Code, resp)
	}
	s.dispatcher.Close()
	if got := len(s.sink.ofType(audit.EventBlockedRequest)); got != 1 {
		t.Fatalf("blocked_request events = %d", got)
	}
}

func TestTrustedProxyPrefixes(t *testing.T) {
	cfg := config.ServerConfig{TrustedProxies: []string{"10.0.0.0/8", "192.0.2.1", " ", "::ffff:192.0.2.2"}}
	prefixes, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		t.Fatal(err)
	}
	if len(prefixes) != 3 || !prefixes[1].Contains(netip.MustParseAddr("192.0.2.1")) || !prefixes[2].Contains(netip.MustParseAddr("192.0.2.2")) {
		t.Fatalf("unexpected prefixes %v", prefixes)
	}

	if _, err := (config.ServerConfig{TrustedProxies: []string{"10.0.0.0/33"}}).TrustedProxyPrefixes(); err == nil {
		t.Fatal("expected error for invalid cidr")
	}
}
