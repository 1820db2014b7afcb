package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/timmy/voucherd/internal/batch"
	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/repository"
)

var walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ErrWalletTaken is returned when a merchant with the same wallet already exists.
var ErrWalletTaken = errors.New("wallet address already registered")

// MerchantService registers merchants that can redeem vouchers.
type MerchantService struct {
	repo *repository.MerchantRepository
}

// NewMerchantService creates a new merchant service.
func NewMerchantService(repo *repository.MerchantRepository) *MerchantService {
	return &MerchantService{repo: repo}
}

// RegisterMerchantRequest is one item of a register-merchants operation.
type RegisterMerchantRequest struct {
	Name          string   `json:"name"`
	WalletAddress string   `json:"wallet_address"`
	Email         string   `json:"email,omitempty"`
	Categories    []string `json:"categories,omitempty"`
}

func (r *RegisterMerchantRequest) validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return errors.New("name is required")
	}
	if !walletPattern.MatchString(r.WalletAddress) {
		return fmt.Errorf("invalid wallet_address %q", r.WalletAddress)
	}
	r.WalletAddress = strings.ToLower(r.WalletAddress)
	return nil
}

// RegisterMerchant persists a new pending merchant. The submitter of the enclosing
// operation, if any, is recorded as the registrant.
func (s *MerchantService) RegisterMerchant(ctx context.Context, req RegisterMerchantRequest) (*domain.Merchant, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	exists, err := s.repo.ExistsByWallet(ctx, req.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to check wallet: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrWalletTaken, req.WalletAddress)
	}

	m := &domain.Merchant{
		ID:            uuid.New().String(),
		Name:          req.Name,
		WalletAddress: req.WalletAddress,
		Email:         req.Email,
		Categories:    domain.StringArray(req.Categories),
		Status:        domain.MerchantStatusPending,
	}
	if info, ok := batch.ItemInfoFromContext(ctx); ok {
		m.RegisteredBy = info.InitiatedBy
	}

	if err := s.repo.Create(ctx, m); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrWalletTaken, req.WalletAddress)
		}
		return nil, fmt.Errorf("failed to save merchant: %w", err)
	}
	return m, nil
}
