package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"admission-service/internal/config"
	"admission-service/internal/util"
)

// Gateway delivers a text message. false with a nil error means the
// provider accepted the request but refused delivery.
type Gateway interface {
	Send(ctx context.Context, recipient, message string) (bool, error)
}

func NewGateway(cfg *config.Config) Gateway {
	if cfg.SMS.Provider == config.SMSProviderHTTP {
		return NewHTTPGateway(cfg.SMS)
	}
	return NewLogGateway()
}

type sendRequest struct {
	Recipient  string `json:"recipient"`
	SenderName string `json:"sender_name"`
	Message    string `json:"message"`
}

type sendResponse struct {
	Code   int    `json:"code"`
	Status string `json:"status"`
	Msg    string `json:"msg"`
}

// HTTPGateway posts JSON to an SMS provider with a bearer API key.
type HTTPGateway struct {
	url    string
	apiKey string
	sender string
	client *http.Client
}

func NewHTTPGateway(cfg config.SMSConfig) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGateway{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		sender: cfg.Sender,
		client: &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Send(ctx context.Context, recipient, message string) (bool, error) {
	payload, err := json.Marshal(sendRequest{
		Recipient:  recipient,
		SenderName: g.sender,
		Message:    message,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to create sms request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to send sms request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, fmt.Errorf("failed to read sms response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("sms provider returned %d", resp.StatusCode)
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("failed to parse sms response: %w", err)
	}

	if resp.StatusCode >= 300 || out.Code != 0 {
		util.Warn("SMS provider rejected message",
			zap.String("recipient", util.MaskPhone(recipient)),
			zap.Int("http_status", resp.StatusCode),
			zap.Int("code", out.Code),
			zap.String("msg", out.Msg),
		)
		return false, nil
	}
	return true, nil
}

// LogGateway writes messages to the debug log instead of sending them.
// Development only.
type LogGateway struct{}

func NewLogGateway() *LogGateway { return &LogGateway{} }

func (LogGateway) Send(_ context.Context, recipient, message string) (bool, error) {
	util.Debug("SMS (log gateway)",
		zap.String("recipient", util.MaskPhone(recipient)),
		zap.String("message", message),
	)
	return true, nil
}
