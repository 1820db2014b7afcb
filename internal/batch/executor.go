package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timmy/voucherd/internal/domain"
)

// ItemHandler executes one item of an operation and returns a value recorded in the item's result.
type ItemHandler interface {
	Handle(ctx context.Context, item json.RawMessage) (any, error)
}

// ItemHandlerFunc adapts a plain function to ItemHandler.
type ItemHandlerFunc func(ctx context.Context, item json.RawMessage) (any, error)

func (f ItemHandlerFunc) Handle(ctx context.Context, item json.RawMessage) (any, error) {
	return f(ctx, item)
}

// ItemInfo identifies the item being executed. Handlers can use it to build idempotency keys.
type ItemInfo struct {
	OperationID string
	RecordIndex int
	InitiatedBy string
}

type itemInfoKey struct{}

// WithItemInfo attaches info to ctx.
func WithItemInfo(ctx context.Context, info ItemInfo) context.Context {
	return context.WithValue(ctx, itemInfoKey{}, info)
}

// ItemInfoFromContext returns the info of the item being executed, if any.
func ItemInfoFromContext(ctx context.Context) (ItemInfo, bool) {
	info, ok := ctx.Value(itemInfoKey{}).(ItemInfo)
	return info, ok
}

// Registry maps operation types to item handlers.
// It holds no per-operation state and never retries an item.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.OperationType]ItemHandler
	timeout  time.Duration
}

// NewRegistry creates an empty registry. A positive itemTimeout bounds every handler call.
func NewRegistry(itemTimeout time.Duration) *Registry {
	return &Registry{
		handlers: make(map[domain.OperationType]ItemHandler),
		timeout:  itemTimeout,
	}
}

// Register associates an operation type with its handler, replacing any previous one.
func (r *Registry) Register(opType domain.OperationType, h ItemHandler) {
	r.mu.Lock()
	r.handlers[opType] = h
	r.mu.Unlock()
}

// RegisterFunc is Register for plain functions.
func (r *Registry) RegisterFunc(opType domain.OperationType, fn func(ctx context.Context, item json.RawMessage) (any, error)) {
	r.Register(opType, ItemHandlerFunc(fn))
}

// Has reports whether a handler is registered for opType.
func (r *Registry) Has(opType domain.OperationType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[opType]
	return ok
}

// Types returns the registered operation types in sorted order.
func (r *Registry) Types() []domain.OperationType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.OperationType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Execute dispatches item to the handler registered for opType.
// A handler panic is returned as an error.
func (r *Registry) Execute(ctx context.Context, opType domain.OperationType, item json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[opType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler registered for %s", ErrInvalidOperationType, opType)
	}

	if r.timeout <= 0 {
		return call(ctx, h, item)
	}

	itemCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := call(itemCtx, h, item)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-itemCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrItemTimeout, r.timeout)
	}
}

func call(ctx context.Context, h ItemHandler, item json.RawMessage) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			v = nil
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(ctx, item)
}
