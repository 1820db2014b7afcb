package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/logger"
)

// CreateOptions are the optional settings of a new operation.
type CreateOptions struct {
	// BatchSize is the chunk size; zero selects the default and values above the maximum are clamped.
	BatchSize int
	// Priority defaults to medium.
	Priority    domain.Priority
	Parallel    bool
	MaxRetries  int
	SubmitterID string
	Options     map[string]any
}

// CreateResult describes an accepted operation.
type CreateResult struct {
	OperationID      string                 `json:"operation_id"`
	Status           domain.OperationStatus `json:"status"`
	TotalRecords     int                    `json:"total_records"`
	EstimatedSeconds int                    `json:"estimated_seconds"`
}

// Create validates and persists a new queued operation and enqueues it.
// Rejected submissions are never persisted.
func (e *Engine) Create(ctx context.Context, opType domain.OperationType, items []json.RawMessage, opts CreateOptions) (*CreateResult, error) {
	return e.create(ctx, opType, items, opts, domain.OperationMetadata{})
}

func (e *Engine) create(ctx context.Context, opType domain.OperationType, items []json.RawMessage, opts CreateOptions, meta domain.OperationMetadata) (*CreateResult, error) {
	if !opType.IsValid() || !e.handlers.Has(opType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperationType, opType)
	}
	if len(items) == 0 {
		return nil, ErrEmptyItemList
	}

	batchSize := opts.BatchSize
	switch {
	case batchSize < 0:
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatchSize, batchSize)
	case batchSize == 0:
		batchSize = e.cfg.DefaultBatchSize
	case batchSize > e.cfg.MaxBatchSize:
		batchSize = e.cfg.MaxBatchSize
	}

	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !priority.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	e.mu.Lock()
	stopping := e.stopping
	e.mu.Unlock()
	if stopping {
		return nil, ErrEngineStopped
	}

	meta.Priority = priority
	now := e.clock.Now()
	op := &domain.Operation{
		ID:            uuid.New().String(),
		OperationType: opType,
		Status:        domain.OperationQueued,
		InitiatedBy:   opts.SubmitterID,
		TotalRecords:  len(items),
		BatchSize:     batchSize,
		Parameters: domain.OperationParameters{
			Items:      append([]json.RawMessage(nil), items...),
			Parallel:   opts.Parallel,
			MaxRetries: maxRetries,
			Options:    opts.Options,
		},
		Results:   []domain.ItemResult{},
		Errors:    []domain.OperationError{},
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.store.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("persist operation: %w", err)
	}

	e.mu.Lock()
	e.queue.push(op.ID, priority)
	e.mu.Unlock()
	e.metrics.operationCreated()

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldOperationID:   op.ID,
		logger.FieldOperationType: opType,
		logger.FieldCount:         op.TotalRecords,
		"priority":                priority,
		"batch_size":              batchSize,
	}).Info("Operation queued")

	return &CreateResult{
		OperationID:      op.ID,
		Status:           op.Status,
		TotalRecords:     op.TotalRecords,
		EstimatedSeconds: e.estimateSeconds(op.TotalRecords),
	}, nil
}

// estimateSeconds is ceil(total * average per-record time).
func (e *Engine) estimateSeconds(total int) int {
	perRecord := e.metrics.AveragePerRecord()
	if perRecord <= 0 {
		perRecord = e.cfg.EstimatePerItem
	}
	return int(math.Ceil(float64(total) * perRecord.Seconds()))
}

// Pause stops an operation. A queued operation leaves the queue at once; a processing one
// stops at its next chunk boundary.
func (e *Engine) Pause(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, running := e.active[id]; running {
		e.pauseRequests[id] = struct{}{}
		logger.FromContext(ctx).WithField(logger.FieldOperationID, id).Info("Pause requested")
		return nil
	}
	if _, gone := e.abandoned[id]; gone {
		return fmt.Errorf("%w: cannot pause failed operation", ErrInvalidStateTransition)
	}

	op, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	// A processing record that is not active was interrupted before a restart.
	if op.Status != domain.OperationQueued && op.Status != domain.OperationProcessing {
		return fmt.Errorf("%w: cannot pause %s operation", ErrInvalidStateTransition, op.Status)
	}

	removed := e.queue.remove(id)
	now := e.clock.Now()
	op.Status = domain.OperationPaused
	op.Metadata.PausedAt = &now
	if err := e.store.Save(ctx, op); err != nil {
		if removed {
			e.queue.push(id, op.Metadata.Priority)
		}
		return fmt.Errorf("persist pause: %w", err)
	}
	e.paused[id] = struct{}{}

	logger.FromContext(ctx).WithField(logger.FieldOperationID, id).Info("Operation paused")
	return nil
}

// Resume re-queues a paused operation at its original priority. Processing continues
// from the first unprocessed record.
func (e *Engine) Resume(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, running := e.active[id]; running {
		return fmt.Errorf("%w: operation is processing", ErrInvalidStateTransition)
	}

	op, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != domain.OperationPaused {
		return fmt.Errorf("%w: cannot resume %s operation", ErrInvalidStateTransition, op.Status)
	}

	now := e.clock.Now()
	op.Status = domain.OperationQueued
	op.Metadata.ResumedAt = &now
	if err := e.store.Save(ctx, op); err != nil {
		return fmt.Errorf("persist resume: %w", err)
	}
	delete(e.paused, id)
	e.queue.push(id, op.Metadata.Priority)

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldOperationID: id,
		"resume_from":           op.ProcessedRecords,
	}).Info("Operation resumed")
	return nil
}

// Cancel ends a non-terminal operation. Queued and paused operations are cancelled at once;
// a processing one stops at its next chunk boundary. Existing results are kept.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, running := e.active[id]; running {
		e.cancelRequests[id] = struct{}{}
		logger.FromContext(ctx).WithField(logger.FieldOperationID, id).Info("Cancel requested")
		return nil
	}
	if _, gone := e.abandoned[id]; gone {
		return fmt.Errorf("%w: cannot cancel failed operation", ErrInvalidStateTransition)
	}

	op, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel %s operation", ErrInvalidStateTransition, op.Status)
	}

	removed := e.queue.remove(id)
	now := e.clock.Now()
	prev := op.Status
	op.Status = domain.OperationCancelled
	op.EndTime = &now
	if err := e.store.Save(ctx, op); err != nil {
		if removed {
			e.queue.push(id, op.Metadata.Priority)
		}
		return fmt.Errorf("persist cancellation: %w", err)
	}
	delete(e.paused, id)

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldOperationID: id,
		"previous_status":       prev,
	}).Info("Operation cancelled")
	return nil
}

// Retry creates a new high-priority operation from the failed items of a finished one.
// The source operation is left untouched.
func (e *Engine) Retry(ctx context.Context, id string) (*CreateResult, error) {
	src, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.Status != domain.OperationCompleted && src.Status != domain.OperationFailed {
		return nil, fmt.Errorf("%w: cannot retry %s operation", ErrInvalidStateTransition, src.Status)
	}

	items := src.FailedItems()
	if len(items) == 0 {
		return nil, ErrNoFailedItems
	}

	res, err := e.create(ctx, src.OperationType, items, CreateOptions{
		BatchSize:   src.BatchSize,
		Priority:    domain.PriorityHigh,
		Parallel:    src.Parameters.Parallel,
		MaxRetries:  src.Parameters.MaxRetries,
		SubmitterID: src.InitiatedBy,
		Options:     src.Parameters.Options,
	}, domain.OperationMetadata{
		RetryCount: src.Metadata.RetryCount + 1,
		RetryOf:    src.ID,
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldOperationID: id,
		"retry_operation_id":    res.OperationID,
		logger.FieldCount:       res.TotalRecords,
	}).Info("Retry operation created")
	return res, nil
}

// WaitForTerminal polls the store until the operation reaches a terminal state or ctx ends.
func (e *Engine) WaitForTerminal(ctx context.Context, id string, interval time.Duration) (*domain.Operation, error) {
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		op, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if op.Status.IsTerminal() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C():
		}
	}
}
