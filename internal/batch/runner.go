package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const failSaveAttempts = 3

var failSaveBackoff = 20 * time.Millisecond

// run owns operation id from dequeue until it stops, pauses or finishes.
// Every exit path gives up ownership exactly once, so a later run of the same id is never disturbed.
// Any error or panic outside item execution fails the operation.
func (e *Engine) run(ctx context.Context, id string) {
	defer e.runners.Done()

	var op *domain.Operation
	defer func() {
		if rec := recover(); rec != nil {
			e.fail(ctx, id, op, fmt.Errorf("operation panic: %v", rec))
		}
	}()

	loaded, err := e.store.Get(ctx, id)
	if err != nil {
		e.fail(ctx, id, nil, fmt.Errorf("load operation: %w", err))
		return
	}
	op = loaded

	if op.Status != domain.OperationQueued && op.Status != domain.OperationProcessing {
		e.release(id)
		e.log.WithFields(logger.Fields{
			logger.FieldOperationID: id,
			logger.FieldStatus:      op.Status,
		}).Warn("Skipping dequeued operation that is no longer runnable")
		return
	}

	if err := e.process(ctx, op); err != nil {
		e.fail(ctx, id, op, err)
	}
}

func (e *Engine) process(ctx context.Context, op *domain.Operation) (err error) {
	ctx = e.operationContext(ctx, op)
	ctx, span := e.tracer.Start(ctx, "batch.operation", trace.WithAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.type", string(op.OperationType)),
		attribute.Int("operation.total_records", op.TotalRecords),
		attribute.Int("operation.resume_from", op.ProcessedRecords),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	runStart := e.clock.Now()
	op.Status = domain.OperationProcessing
	if op.StartTime == nil {
		started := runStart
		op.StartTime = &started
	}
	op.RecomputeProgress()
	if err := e.store.Save(ctx, op); err != nil {
		return fmt.Errorf("persist processing state: %w", err)
	}
	logger.CtxInfo(ctx, "Operation started at record %d of %d", op.ProcessedRecords, op.TotalRecords)

	batchSize := op.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.DefaultBatchSize
	}
	items := op.Parameters.Items

	for op.ProcessedRecords < len(items) {
		stopped, err := e.checkpoint(ctx, op, runStart)
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}

		start := op.ProcessedRecords
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := e.runChunk(ctx, op, start, end, start/batchSize); err != nil {
			return err
		}
	}

	return e.complete(ctx, op)
}

// checkpoint applies pending cancel and pause requests, the run budget and engine
// shutdown, in that order. It reports whether the run must stop here.
func (e *Engine) checkpoint(ctx context.Context, op *domain.Operation, runStart time.Time) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()

	if _, ok := e.cancelRequests[op.ID]; ok {
		op.Status = domain.OperationCancelled
		op.EndTime = &now
		if err := e.store.Save(ctx, op); err != nil {
			return false, fmt.Errorf("persist cancellation: %w", err)
		}
		e.releaseLocked(op.ID)
		logger.CtxInfo(ctx, "Operation cancelled after %d of %d records", op.ProcessedRecords, op.TotalRecords)
		return true, nil
	}

	if _, ok := e.pauseRequests[op.ID]; ok {
		op.Status = domain.OperationPaused
		op.Metadata.PausedAt = &now
		if err := e.store.Save(ctx, op); err != nil {
			return false, fmt.Errorf("persist pause: %w", err)
		}
		e.releaseLocked(op.ID)
		e.paused[op.ID] = struct{}{}
		logger.CtxInfo(ctx, "Operation paused after %d of %d records", op.ProcessedRecords, op.TotalRecords)
		return true, nil
	}

	if e.cfg.OperationTimeout > 0 {
		if elapsed := now.Sub(runStart); elapsed > e.cfg.OperationTimeout {
			return false, fmt.Errorf("%w: ran %s, budget %s", ErrOperationTimeout, elapsed, e.cfg.OperationTimeout)
		}
	}

	if e.stopping {
		op.Status = domain.OperationQueued
		if err := e.store.Save(ctx, op); err != nil {
			return false, fmt.Errorf("persist shutdown state: %w", err)
		}
		e.releaseLocked(op.ID)
		logger.CtxInfo(ctx, "Operation suspended for shutdown after %d of %d records", op.ProcessedRecords, op.TotalRecords)
		return true, nil
	}

	return false, nil
}

// runChunk executes items [start, end), appends their outcomes in index order and persists op.
func (e *Engine) runChunk(ctx context.Context, op *domain.Operation, start, end, chunkIndex int) error {
	ctx, span := e.tracer.Start(ctx, "batch.chunk", trace.WithAttributes(
		attribute.Int("chunk.index", chunkIndex),
		attribute.Int("chunk.start", start),
		attribute.Int("chunk.size", end-start),
		attribute.Bool("chunk.parallel", op.Parameters.Parallel),
	))
	defer span.End()

	began := time.Now()

	var outcomes []domain.ItemResult
	if op.Parameters.Parallel {
		var err error
		outcomes, err = e.runParallel(ctx, op, start, end)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	} else {
		outcomes = e.runSequential(ctx, op, start, end)
	}

	succeeded, failed := 0, 0
	for _, r := range outcomes {
		op.ApplyOutcome(r)
		if r.Status == domain.ItemSuccess {
			succeeded++
		} else {
			failed++
		}
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("chunk %d left operation inconsistent: %w", chunkIndex, err)
	}
	if err := e.store.Save(ctx, op); err != nil {
		return fmt.Errorf("persist chunk %d: %w", chunkIndex, err)
	}

	e.metrics.itemsProcessed(op.OperationType, succeeded, failed)
	span.SetAttributes(attribute.Int("chunk.failed", failed))

	logger.With(logger.Fields{
		logger.FieldChunkIndex: chunkIndex,
		logger.FieldCount:      len(outcomes),
		logger.FieldProgress:   op.Progress,
		"failed":               failed,
	}).WithDuration(time.Since(began).Milliseconds()).Info(ctx, "Chunk committed")

	e.progress.OnProgress(ctx, op.Clone())
	return nil
}

// runParallel submits every item of the chunk to the worker pool and waits for all of them.
// A failing item never cancels its siblings.
func (e *Engine) runParallel(ctx context.Context, op *domain.Operation, start, end int) ([]domain.ItemResult, error) {
	outcomes := make([]domain.ItemResult, end-start)
	var wg sync.WaitGroup
	for idx := start; idx < end; idx++ {
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			outcomes[idx-start] = e.executeItem(ctx, op, idx)
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, fmt.Errorf("submit item %d: %w", idx, err)
		}
	}
	wg.Wait()
	return outcomes, nil
}

func (e *Engine) runSequential(ctx context.Context, op *domain.Operation, start, end int) []domain.ItemResult {
	outcomes := make([]domain.ItemResult, 0, end-start)
	for idx := start; idx < end; idx++ {
		outcomes = append(outcomes, e.executeItem(ctx, op, idx))
	}
	return outcomes
}

func (e *Engine) executeItem(ctx context.Context, op *domain.Operation, idx int) domain.ItemResult {
	itemCtx := WithItemInfo(ctx, ItemInfo{
		OperationID: op.ID,
		RecordIndex: idx,
		InitiatedBy: op.InitiatedBy,
	})
	value, err := e.handlers.Execute(itemCtx, op.OperationType, op.Parameters.Items[idx])

	result := domain.ItemResult{RecordIndex: idx, ProcessedAt: e.clock.Now()}
	if err != nil {
		result.Status = domain.ItemFailed
		result.Error = err.Error()
		logger.CtxDebug(ctx, "Item %d failed: %v", idx, err)
		return result
	}
	result.Status = domain.ItemSuccess
	result.Data = value
	return result
}

func (e *Engine) complete(ctx context.Context, op *domain.Operation) error {
	err := func() error {
		e.mu.Lock()
		defer e.mu.Unlock()

		now := e.clock.Now()
		op.Status = domain.OperationCompleted
		op.EndTime = &now
		if err := e.store.Save(ctx, op); err != nil {
			return fmt.Errorf("persist completion: %w", err)
		}
		e.releaseLocked(op.ID)
		e.queueRetryLocked(op)
		return nil
	}()
	if err != nil {
		return err
	}

	elapsed := op.EndTime.Sub(*op.StartTime)
	e.metrics.operationFinished(op, elapsed)

	logger.With(logger.Fields{
		logger.FieldStatus: op.Status,
		logger.FieldCount:  op.ProcessedRecords,
		"succeeded":        op.SuccessfulRecords,
		"failed":           op.FailedRecords,
	}).WithDuration(elapsed.Milliseconds()).Info(ctx, "Operation completed")

	e.finish(ctx, op)
	return nil
}

// fail marks op failed with cause and gives up ownership of id.
// A nil op means the record could not be loaded.
func (e *Engine) fail(ctx context.Context, id string, op *domain.Operation, cause error) {
	if op == nil {
		e.release(id)
		e.log.WithField(logger.FieldOperationID, id).WithError(cause).Error("Operation could not be run")
		return
	}
	ctx = e.operationContext(ctx, op)

	now := e.clock.Now()
	op.Status = domain.OperationFailed
	op.AddError(cause, now)
	op.EndTime = &now
	if op.StartTime == nil {
		op.StartTime = &now
	}
	saveErr := e.saveFailure(ctx, op)

	e.mu.Lock()
	e.releaseLocked(id)
	if saveErr == nil {
		e.queueRetryLocked(op)
	} else {
		// The store still says processing; never pick it up again from there.
		e.abandoned[id] = struct{}{}
	}
	e.mu.Unlock()

	logger.FromContext(ctx).WithError(cause).Error("Operation failed")
	if saveErr != nil {
		logger.FromContext(ctx).WithError(saveErr).Error("Failed to persist operation failure")
	}

	e.metrics.operationFinished(op, op.EndTime.Sub(*op.StartTime))
	e.finish(ctx, op)
}

// saveFailure persists a failed operation, retrying a few times before giving up.
func (e *Engine) saveFailure(ctx context.Context, op *domain.Operation) error {
	var err error
	for attempt := 1; attempt <= failSaveAttempts; attempt++ {
		if err = e.store.Save(ctx, op); err == nil {
			return nil
		}
		if attempt == failSaveAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * failSaveBackoff):
		}
	}
	return err
}

// finish notifies observers of a terminal operation. Their errors and panics are logged only.
func (e *Engine) finish(ctx context.Context, op *domain.Operation) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.CtxError(ctx, "Completion observer panic: %v", rec)
		}
	}()

	snapshot := op.Clone()
	if err := e.notifier.NotifyCompletion(ctx, snapshot); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Completion notification failed")
	}
	if err := e.archiver.Archive(ctx, snapshot); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Result archive failed")
	}
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	e.releaseLocked(id)
	e.mu.Unlock()
}

func (e *Engine) releaseLocked(id string) {
	delete(e.active, id)
	delete(e.pauseRequests, id)
	delete(e.cancelRequests, id)
}

func (e *Engine) queueRetryLocked(op *domain.Operation) {
	if e.cfg.RetryInterval <= 0 || op.FailedRecords == 0 {
		return
	}
	if op.Metadata.RetryCount >= op.Parameters.MaxRetries {
		return
	}
	e.retryCandidates = append(e.retryCandidates, op.ID)
}
