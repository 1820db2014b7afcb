package batch

import (
	"errors"

	"github.com/timmy/voucherd/internal/domain"
)

var (
	ErrInvalidOperationType   = errors.New("invalid operation type")
	ErrEmptyItemList          = errors.New("item list is empty")
	ErrInvalidBatchSize       = errors.New("invalid batch size")
	ErrInvalidPriority        = errors.New("invalid priority")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNoFailedItems          = errors.New("operation has no failed items")
	ErrEngineStopped          = errors.New("engine stopped")
	ErrItemTimeout            = errors.New("item timed out")
	ErrOperationTimeout       = errors.New("operation exceeded its time budget")

	// ErrNotFound matches the store's not-found error so callers need one sentinel.
	ErrNotFound = domain.ErrNotFound
)
