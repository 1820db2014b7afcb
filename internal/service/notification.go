package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/logger"
)

const sendPath = "/notifications"

// Notification channels accepted by the gateway.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

// NotificationService sends user notifications and operation completion webhooks.
type NotificationService struct {
	client     *resty.Client
	webhookURL string
}

// NotificationConfig configures the notification gateway and the optional completion webhook.
type NotificationConfig struct {
	Gateway    GatewayConfig
	WebhookURL string
}

// NewNotificationService creates a new notification service.
func NewNotificationService(cfg *NotificationConfig) *NotificationService {
	return &NotificationService{
		client:     newGatewayClient(&cfg.Gateway),
		webhookURL: cfg.WebhookURL,
	}
}

// SendNotificationRequest is one item of a send-notifications operation.
type SendNotificationRequest struct {
	Recipient string            `json:"recipient"`
	Channel   string            `json:"channel"`
	Subject   string            `json:"subject,omitempty"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
}

// SendResult is the gateway's acknowledgement.
type SendResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func (r *SendNotificationRequest) validate() error {
	if r.Recipient == "" {
		return errors.New("recipient is required")
	}
	if r.Message == "" {
		return errors.New("message is required")
	}
	switch r.Channel {
	case "":
		r.Channel = ChannelEmail
	case ChannelEmail, ChannelSMS, ChannelPush:
	default:
		return fmt.Errorf("unsupported channel %q", r.Channel)
	}
	return nil
}

// Send delivers one notification.
func (s *NotificationService) Send(ctx context.Context, req SendNotificationRequest) (*SendResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var result SendResult
	if err := post(ctx, s.client, sendPath, idempotencyKey(ctx, "notify"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// completionEvent is the webhook payload for a finished operation.
type completionEvent struct {
	Event             string                  `json:"event"`
	OperationID       string                  `json:"operation_id"`
	OperationType     domain.OperationType    `json:"operation_type"`
	Status            domain.OperationStatus  `json:"status"`
	InitiatedBy       string                  `json:"initiated_by,omitempty"`
	TotalRecords      int                     `json:"total_records"`
	SuccessfulRecords int                     `json:"successful_records"`
	FailedRecords     int                     `json:"failed_records"`
	Errors            []domain.OperationError `json:"errors,omitempty"`
	RetryOf           string                  `json:"retry_of,omitempty"`
	FinishedAt        *time.Time              `json:"finished_at,omitempty"`
}

// NotifyCompletion posts a summary of op to the configured webhook. It does nothing without one.
func (s *NotificationService) NotifyCompletion(ctx context.Context, op *domain.Operation) error {
	if s.webhookURL == "" {
		return nil
	}

	event := completionEvent{
		Event:             "operation." + string(op.Status),
		OperationID:       op.ID,
		OperationType:     op.OperationType,
		Status:            op.Status,
		InitiatedBy:       op.InitiatedBy,
		TotalRecords:      op.TotalRecords,
		SuccessfulRecords: op.SuccessfulRecords,
		FailedRecords:     op.FailedRecords,
		Errors:            op.Errors,
		RetryOf:           op.Metadata.RetryOf,
		FinishedAt:        op.EndTime,
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(event).
		Post(s.webhookURL)
	if err != nil {
		return fmt.Errorf("failed to call completion webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("completion webhook returned status %d", resp.StatusCode())
	}

	logger.CtxDebug(ctx, "Completion webhook delivered for %s", op.ID)
	return nil
}
