package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/voucherd/internal/batch"
)

// GatewayConfig holds connection settings for an upstream HTTP gateway.
type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// gatewayError is the error body returned by the voucher and notification gateways.
type gatewayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newGatewayClient(cfg *GatewayConfig) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	client.SetTimeout(timeout)
	return client
}

// idempotencyKey derives a stable key for the item being executed so a replayed chunk
// does not mint or send twice. Outside an operation it returns "".
func idempotencyKey(ctx context.Context, kind string) string {
	info, ok := batch.ItemInfoFromContext(ctx)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%s:%d", kind, info.OperationID, info.RecordIndex)
}

// post sends body to path and decodes a 2xx response into result.
func post(ctx context.Context, client *resty.Client, path, idemKey string, body, result any) error {
	var apiErr gatewayError
	req := client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		SetError(&apiErr)
	if idemKey != "" {
		req.SetHeader("Idempotency-Key", idemKey)
	}

	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("failed to call gateway %s: %w", path, err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = apiErr.Message
		}
		if msg == "" {
			msg = resp.Status()
		}
		return fmt.Errorf("gateway %s error (status %d): %s", path, resp.StatusCode(), msg)
	}
	return nil
}
