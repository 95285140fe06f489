package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"admission-service/internal/config"
)

func TestHTTPGatewaySend(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":401,"msg":"bad key"}`))
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"code":0,"status":"ok"}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(config.SMSConfig{URL: srv.URL, APIKey: "key-1", Sender: "ADMIT"})
	ok, err := g.Send(context.Background(), "01012345678", "code 123456")
	if err != nil || !ok {
		t.Fatalf("expected delivery, ok=%v err=%v", ok, err)
	}
	if got.Recipient != "01012345678" || got.SenderName != "ADMIT" || got.Message != "code 123456" {
		t.Fatalf("unexpected payload %+v", got)
	}

	bad := NewHTTPGateway(config.SMSConfig{URL: srv.URL, APIKey: "wrong"})
	ok, err = bad.Send(context.Background(), "01012345678", "x")
	if err != nil || ok {
		t.Fatalf("expected refusal without error, ok=%v err=%v", ok, err)
	}
}

func TestHTTPGatewayServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewHTTPGateway(config.SMSConfig{URL: srv.URL})
	if ok, err := g.Send(context.Background(), "01012345678", "x"); err == nil || ok {
		t.Fatalf("expected error, ok=%v err=%v", ok, err)
	}
}

func TestNewGatewaySelectsProvider(t *testing.T) {
	if _, ok := NewGateway(&config.Config{SMS: config.SMSConfig{Provider: config.SMSProviderLog}}).(*LogGateway); !ok {
		t.Fatal("expected log gateway")
	}
	if _, ok := NewGateway(&config.Config{SMS: config.SMSConfig{Provider: config.SMSProviderHTTP, URL: "http://x"}}).(*HTTPGateway); !ok {
		t.Fatal("expected http gateway")
	}
	ok, err := NewLogGateway().Send(context.Background(), "01012345678", "x")
	if !ok || err != nil {
		t.Fatal("log gateway always delivers")
	}
}
