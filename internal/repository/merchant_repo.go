package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/voucherd/internal/domain"
	"gorm.io/gorm"
)

// MerchantRepository handles merchant data operations.
type MerchantRepository struct {
	db *gorm.DB
}

// NewMerchantRepository creates a new MerchantRepository.
func NewMerchantRepository(db *gorm.DB) *MerchantRepository {
	return &MerchantRepository{db: db}
}

// Create inserts a new merchant. A taken wallet address yields domain.ErrDuplicate.
func (r *MerchantRepository) Create(ctx context.Context, m *domain.Merchant) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: wallet %s", domain.ErrDuplicate, m.WalletAddress)
		}
		return err
	}
	return nil
}

// ExistsByWallet checks if a merchant with the given wallet address exists.
func (r *MerchantRepository) ExistsByWallet(ctx context.Context, wallet string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Merchant{}).Where("wallet_address = ?", wallet).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetByWallet retrieves a merchant by wallet address.
func (r *MerchantRepository) GetByWallet(ctx context.Context, wallet string) (*domain.Merchant, error) {
	var m domain.Merchant
	if err := r.db.WithContext(ctx).First(&m, "wallet_address = ?", wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: merchant %s", domain.ErrNotFound, wallet)
		}
		return nil, err
	}
	return &m, nil
}

// Count returns the number of registered merchants.
func (r *MerchantRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Merchant{}).Count(&count).Error
	return count, err
}
