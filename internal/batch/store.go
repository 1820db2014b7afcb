package batch

import (
	"context"

	"github.com/timmy/voucherd/internal/domain"
)

// Store is the durable home of operation records.
// Get must return an error matching ErrNotFound when the id is unknown.
type Store interface {
	Create(ctx context.Context, op *domain.Operation) error
	Save(ctx context.Context, op *domain.Operation) error
	Get(ctx context.Context, id string) (*domain.Operation, error)
	ListByStatus(ctx context.Context, statuses ...domain.OperationStatus) ([]domain.Operation, error)
	List(ctx context.Context, filter domain.OperationFilter) ([]domain.Operation, int64, error)
}

// Notifier receives a snapshot of every operation that reaches completed or failed.
type Notifier interface {
	NotifyCompletion(ctx context.Context, op *domain.Operation) error
}

// ProgressListener is called after every persisted chunk.
type ProgressListener interface {
	OnProgress(ctx context.Context, op *domain.Operation)
}

// ResultArchiver stores the final results of a completed operation somewhere durable.
type ResultArchiver interface {
	Archive(ctx context.Context, op *domain.Operation) error
}

type noopNotifier struct{}

func (noopNotifier) NotifyCompletion(context.Context, *domain.Operation) error { return nil }

type noopProgress struct{}

func (noopProgress) OnProgress(context.Context, *domain.Operation) {}

type noopArchiver struct{}

func (noopArchiver) Archive(context.Context, *domain.Operation) error { return nil }
