package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	mintPath  = "/vouchers/mint"
	issuePath = "/vouchers/issue"
)

// VoucherService mints and issues vouchers through the chain gateway.
type VoucherService struct {
	client *resty.Client
}

// NewVoucherService creates a new voucher service.
// Parameters:
//   - cfg: chain gateway base URL, API key and timeout.
// Returns:
//   - *VoucherService: initialized gateway client wrapper.
func NewVoucherService(cfg *GatewayConfig) *VoucherService {
	return &VoucherService{client: newGatewayClient(cfg)}
}

// MintVoucherRequest is one item of a mint-vouchers operation.
type MintVoucherRequest struct {
	Amount          float64           `json:"amount"`
	Currency        string            `json:"currency"`
	MerchantID      string            `json:"merchant_id,omitempty"`
	RecipientWallet string            `json:"recipient_wallet,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// IssueVoucherRequest is one item of an import-recipients operation.
type IssueVoucherRequest struct {
	RecipientName   string  `json:"recipient_name"`
	RecipientEmail  string  `json:"recipient_email"`
	RecipientWallet string  `json:"recipient_wallet,omitempty"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	CampaignID      string  `json:"campaign_id,omitempty"`
}

// VoucherResult is what the chain gateway returns for a minted or issued voucher.
type VoucherResult struct {
	VoucherID string `json:"voucher_id"`
	TxHash    string `json:"tx_hash"`
	Status    string `json:"status"`
}

func (r *MintVoucherRequest) validate() error {
	if r.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if r.Currency == "" {
		r.Currency = "USD"
	}
	r.Currency = strings.ToUpper(r.Currency)
	if r.ExpiresAt != nil && r.ExpiresAt.Before(time.Now()) {
		return errors.New("expires_at is in the past")
	}
	return nil
}

func (r *IssueVoucherRequest) validate() error {
	if r.RecipientEmail == "" && r.RecipientWallet == "" {
		return errors.New("recipient_email or recipient_wallet is required")
	}
	if r.RecipientEmail != "" && !strings.Contains(r.RecipientEmail, "@") {
		return fmt.Errorf("invalid recipient_email %q", r.RecipientEmail)
	}
	if r.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if r.Currency == "" {
		r.Currency = "USD"
	}
	r.Currency = strings.ToUpper(r.Currency)
	return nil
}

// MintVoucher mints one voucher on chain.
func (s *VoucherService) MintVoucher(ctx context.Context, req MintVoucherRequest) (*VoucherResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var result VoucherResult
	if err := post(ctx, s.client, mintPath, idempotencyKey(ctx, "mint"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// IssueToRecipient creates a voucher for a recipient.
func (s *VoucherService) IssueToRecipient(ctx context.Context, req IssueVoucherRequest) (*VoucherResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var result VoucherResult
	if err := post(ctx, s.client, issuePath, idempotencyKey(ctx, "issue"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
