package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/voucherd/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newOperation(id string, status domain.OperationStatus, created time.Time) *domain.Operation {
	return &domain.Operation{
		ID:            id,
		OperationType: domain.OperationMintVouchers,
		Status:        status,
		InitiatedBy:   "user-1",
		TotalRecords:  2,
		BatchSize:     10,
		Parameters: domain.OperationParameters{
			Items: []json.RawMessage{json.RawMessage(`{"amount":10}`), json.RawMessage(`{"amount":20}`)},
		},
		Metadata:  domain.OperationMetadata{Priority: domain.PriorityMedium},
		CreatedAt: created,
	}
}

func TestOperationRepository_CreateGetSave(t *testing.T) {
	ctx := context.Background()
	repo := NewOperationRepository(newTestDB(t))

	op := newOperation("op-1", domain.OperationQueued, time.Now())
	require.NoError(t, repo.Create(ctx, op))

	got, err := repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationQueued, got.Status)
	assert.Len(t, got.Parameters.Items, 2)
	assert.JSONEq(t, `{"amount":20}`, string(got.Parameters.Items[1]))
	assert.Equal(t, domain.PriorityMedium, got.Metadata.Priority)

	got.Status = domain.OperationProcessing
	got.ApplyOutcome(domain.ItemResult{RecordIndex: 0, Status: domain.ItemSuccess, Data: map[string]any{"voucher_id": "v-1"}})
	require.NoError(t, repo.Save(ctx, got))

	reloaded, err := repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationProcessing, reloaded.Status)
	assert.Equal(t, 1, reloaded.ProcessedRecords)
	assert.Equal(t, 50, reloaded.Progress)
	require.Len(t, reloaded.Results, 1)
	assert.Equal(t, domain.ItemSuccess, reloaded.Results[0].Status)
	assert.NoError(t, reloaded.Validate())
}

func TestOperationRepository_GetMissing(t *testing.T) {
	repo := NewOperationRepository(newTestDB(t))

	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOperationRepository_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewOperationRepository(newTestDB(t))

	require.NoError(t, repo.Create(ctx, newOperation("op-1", domain.OperationQueued, time.Now())))
	err := repo.Create(ctx, newOperation("op-1", domain.OperationQueued, time.Now()))
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestOperationRepository_ListByStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewOperationRepository(newTestDB(t))
	base := time.Now().Add(-time.Hour)

	require.NoError(t, repo.Create(ctx, newOperation("b", domain.OperationQueued, base.Add(2*time.Minute))))
	require.NoError(t, repo.Create(ctx, newOperation("a", domain.OperationProcessing, base.Add(time.Minute))))
	require.NoError(t, repo.Create(ctx, newOperation("c", domain.OperationCompleted, base)))

	ops, err := repo.ListByStatus(ctx, domain.OperationQueued, domain.OperationProcessing)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "a", ops[0].ID)
	assert.Equal(t, "b", ops[1].ID)

	none, err := repo.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOperationRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := NewOperationRepository(newTestDB(t))
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		op := newOperation(fmt.Sprintf("op-%d", i), domain.OperationCompleted, base.Add(time.Duration(i)*time.Minute))
		if i%2 == 0 {
			op.InitiatedBy = "user-2"
		}
		require.NoError(t, repo.Create(ctx, op))
	}

	ops, total, err := repo.List(ctx, domain.OperationFilter{InitiatedBy: "user-2", Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, ops, 2)
	assert.Equal(t, "op-4", ops[0].ID)
	assert.Equal(t, "op-2", ops[1].ID)
}

func TestMerchantRepository_DuplicateWallet(t *testing.T) {
	ctx := context.Background()
	repo := NewMerchantRepository(newTestDB(t))

	require.NoError(t, repo.Create(ctx, &domain.Merchant{ID: "m-1", Name: "Cafe", WalletAddress: "0xabc"}))
	err := repo.Create(ctx, &domain.Merchant{ID: "m-2", Name: "Other", WalletAddress: "0xabc"})
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	exists, err := repo.ExistsByWallet(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, exists)

	m, err := repo.GetByWallet(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "Cafe", m.Name)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
