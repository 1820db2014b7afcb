package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/logger"
)

// Start reloads unfinished operations from the store, unless SkipRehydrate is set,
// and begins the scheduler loop. Operations found in processing were interrupted by a
// restart and are queued again.
// ctx only scopes startup; runs outlive it until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("batch: engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if !e.cfg.SkipRehydrate {
		if err := e.rehydrate(ctx); err != nil {
			return err
		}
	}

	runCtx := context.WithoutCancel(ctx)
	go e.loop(runCtx)

	e.log.WithFields(logger.Fields{
		"max_concurrent": e.cfg.MaxConcurrentOperations,
		"poll_interval":  e.cfg.PollInterval.String(),
		"worker_pool":    e.cfg.WorkerPoolSize,
	}).Info("Batch engine started")
	return nil
}

// Stop halts scheduling and waits for running operations to reach a chunk boundary,
// where they are persisted as queued. It returns early with an error if ctx ends first.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	wasStarted := e.started
	e.mu.Unlock()

	close(e.stopCh)

	var result *multierror.Error
	if wasStarted {
		select {
		case <-e.loopDone:
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("waiting for scheduler loop: %w", ctx.Err()))
		}
	}

	runnersDone := make(chan struct{})
	go func() {
		e.runners.Wait()
		close(runnersDone)
	}()
	select {
	case <-runnersDone:
		e.pool.Release()
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("waiting for running operations: %w", ctx.Err()))
	}

	if err := result.ErrorOrNil(); err != nil {
		e.log.WithError(err).Warn("Batch engine stopped with errors")
		return err
	}
	e.log.Info("Batch engine stopped")
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)

	ticker := e.clock.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var retryC <-chan time.Time
	if e.cfg.RetryInterval > 0 {
		retryTicker := e.clock.NewTicker(e.cfg.RetryInterval)
		defer retryTicker.Stop()
		retryC = retryTicker.C()
	}

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C():
			e.tick(ctx)
		case <-retryC:
			e.retrySweep(ctx)
		}
	}
}

// tick starts queued operations while in-flight capacity is free.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	var ids []string
	for len(e.active) < e.cfg.MaxConcurrentOperations {
		id, ok := e.queue.pop()
		if !ok {
			break
		}
		e.active[id] = struct{}{}
		ids = append(ids, id)
	}
	e.runners.Add(len(ids))
	e.mu.Unlock()

	for _, id := range ids {
		go e.run(ctx, id)
	}
}

// retrySweep retries operations that finished with failed items and still have retries left.
func (e *Engine) retrySweep(ctx context.Context) {
	e.mu.Lock()
	candidates := e.retryCandidates
	e.retryCandidates = nil
	e.mu.Unlock()

	for _, id := range candidates {
		res, err := e.Retry(ctx, id)
		if err != nil {
			e.log.WithField(logger.FieldOperationID, id).WithError(err).Warn("Automatic retry failed")
			continue
		}
		e.log.WithFields(logger.Fields{
			logger.FieldOperationID: id,
			"retry_operation_id":    res.OperationID,
			logger.FieldCount:       res.TotalRecords,
		}).Info("Automatic retry queued")
	}
}

// rehydrate restores the in-memory queue and paused set from the store.
func (e *Engine) rehydrate(ctx context.Context) error {
	ops, err := e.store.ListByStatus(ctx, domain.OperationQueued, domain.OperationProcessing, domain.OperationPaused)
	if err != nil {
		return fmt.Errorf("batch: rehydrate: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	queued, paused := 0, 0
	for i := range ops {
		op := &ops[i]
		if _, running := e.active[op.ID]; running || e.queue.contains(op.ID) {
			continue
		}
		if _, gone := e.abandoned[op.ID]; gone {
			continue
		}
		switch op.Status {
		case domain.OperationProcessing:
			op.Status = domain.OperationQueued
			if err := e.store.Save(ctx, op); err != nil {
				e.log.WithField(logger.FieldOperationID, op.ID).WithError(err).Error("Failed to requeue interrupted operation")
				continue
			}
			e.queue.push(op.ID, op.Metadata.Priority)
			queued++
		case domain.OperationQueued:
			e.queue.push(op.ID, op.Metadata.Priority)
			queued++
		case domain.OperationPaused:
			e.paused[op.ID] = struct{}{}
			paused++
		}
	}

	if queued > 0 || paused > 0 {
		e.log.WithFields(logger.Fields{"queued": queued, "paused": paused}).Info("Restored unfinished operations")
	}
	return nil
}
