package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/voucherd/internal/domain"
	"gorm.io/gorm"
)

// OperationRepository persists batch operation records.
type OperationRepository struct {
	db *gorm.DB
}

// NewOperationRepository creates a new OperationRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *OperationRepository: repository instance bound to db.
func NewOperationRepository(db *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

// Create inserts a new operation record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - op: operation record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *OperationRepository) Create(ctx context.Context, op *domain.Operation) error {
	if err := r.db.WithContext(ctx).Create(op).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: operation %s", domain.ErrDuplicate, op.ID)
		}
		return err
	}
	return nil
}

// Save writes the full operation record, replacing the stored version.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - op: operation record with updated fields.
// Returns:
//   - error: non-nil if the update fails.
func (r *OperationRepository) Save(ctx context.Context, op *domain.Operation) error {
	return r.db.WithContext(ctx).Save(op).Error
}

// Get retrieves an operation by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: operation ID.
// Returns:
//   - *domain.Operation: operation record if found.
//   - error: wraps domain.ErrNotFound when no record matches.
func (r *OperationRepository) Get(ctx context.Context, id string) (*domain.Operation, error) {
	var op domain.Operation
	if err := r.db.WithContext(ctx).First(&op, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: operation %s", domain.ErrNotFound, id)
		}
		return nil, err
	}
	return &op, nil
}

// ListByStatus returns operations in any of the given statuses, oldest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - statuses: statuses to match.
// Returns:
//   - []domain.Operation: matching operations ordered by creation time.
//   - error: non-nil if the query fails.
func (r *OperationRepository) ListByStatus(ctx context.Context, statuses ...domain.OperationStatus) ([]domain.Operation, error) {
	var ops []domain.Operation
	if len(statuses) == 0 {
		return ops, nil
	}
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&ops).Error
	return ops, err
}

// List retrieves operations with optional filters, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - filter: status, type and initiator filters plus pagination.
// Returns:
//   - []domain.Operation: operations for the requested page.
//   - int64: total matching records ignoring pagination.
//   - error: non-nil if the query fails.
func (r *OperationRepository) List(ctx context.Context, filter domain.OperationFilter) ([]domain.Operation, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.Operation{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.OperationType != "" {
		query = query.Where("operation_type = ?", filter.OperationType)
	}
	if filter.InitiatedBy != "" {
		query = query.Where("initiated_by = ?", filter.InitiatedBy)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	// Listing omits the heavy JSON columns
	var ops []domain.Operation
	err := query.
		Omit("parameters", "results").
		Order("created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&ops).Error
	return ops, total, err
}
