package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newMerchantService(t *testing.T) (*MerchantService, *repository.MerchantRepository) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	repo := repository.NewMerchantRepository(db)
	return NewMerchantService(repo), repo
}

const testWallet = "0x52908400098527886E0F7030069857D2E4169EE7"

func TestMerchantService_RegisterMerchant(t *testing.T) {
	svc, repo := newMerchantService(t)

	m, err := svc.RegisterMerchant(itemContext("op-1", 0), RegisterMerchantRequest{
		Name:          "  Corner Cafe ",
		WalletAddress: testWallet,
		Categories:    []string{"food"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Corner Cafe", m.Name)
	assert.Equal(t, domain.MerchantStatusPending, m.Status)
	assert.Equal(t, "admin-1", m.RegisteredBy)

	stored, err := repo.GetByWallet(context.Background(), m.WalletAddress)
	require.NoError(t, err)
	assert.Equal(t, m.ID, stored.ID)
	assert.Equal(t, domain.StringArray{"food"}, stored.Categories)
}

func TestMerchantService_DuplicateWallet(t *testing.T) {
	svc, repo := newMerchantService(t)

	_, err := svc.RegisterMerchant(context.Background(), RegisterMerchantRequest{Name: "A", WalletAddress: testWallet})
	require.NoError(t, err)

	// Wallets compare case-insensitively.
	_, err = svc.RegisterMerchant(context.Background(), RegisterMerchantRequest{Name: "B", WalletAddress: "0x52908400098527886e0f7030069857d2e4169ee7"})
	assert.ErrorIs(t, err, ErrWalletTaken)

	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestMerchantService_Validation(t *testing.T) {
	svc, _ := newMerchantService(t)

	tests := []struct {
		name    string
		req     RegisterMerchantRequest
		wantErr string
	}{
		{"missing name", RegisterMerchantRequest{WalletAddress: testWallet}, "name is required"},
		{"short wallet", RegisterMerchantRequest{Name: "A", WalletAddress: "0x1234"}, "invalid wallet_address"},
		{"no prefix", RegisterMerchantRequest{Name: "A", WalletAddress: testWallet[2:] + "00"}, "invalid wallet_address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RegisterMerchant(context.Background(), tt.req)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
