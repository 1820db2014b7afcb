package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/timmy/voucherd/internal/batch"
	"github.com/timmy/voucherd/internal/domain"
)

// Services bundles the item handlers' dependencies. A nil service leaves its
// operation types unregistered.
type Services struct {
	Vouchers      *VoucherService
	Merchants     *MerchantService
	Notifications *NotificationService
}

// RegisterHandlers binds every operation type that has a backing service.
func RegisterHandlers(registry *batch.Registry, svc Services) {
	if svc.Vouchers != nil {
		registry.RegisterFunc(domain.OperationMintVouchers, decodeAndCall(svc.Vouchers.MintVoucher))
		registry.RegisterFunc(domain.OperationImportRecipients, decodeAndCall(svc.Vouchers.IssueToRecipient))
	}
	if svc.Merchants != nil {
		registry.RegisterFunc(domain.OperationRegisterMerchants, decodeAndCall(svc.Merchants.RegisterMerchant))
	}
	if svc.Notifications != nil {
		registry.RegisterFunc(domain.OperationSendNotifications, decodeAndCall(svc.Notifications.Send))
	}
}

// decodeAndCall turns a typed service method into an item handler.
func decodeAndCall[Req any, Resp any](fn func(context.Context, Req) (*Resp, error)) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req Req
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("invalid item: %w", err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}
