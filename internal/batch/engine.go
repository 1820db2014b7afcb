// Package batch runs batch operations: durable, priority-ordered jobs whose items
// are executed in chunks with bounded concurrency and cooperative pause and cancel.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/timmy/voucherd/internal/batch"

// Config tunes the engine.
type Config struct {
	MaxConcurrentOperations int
	PollInterval            time.Duration
	DefaultBatchSize        int
	MaxBatchSize            int
	// ItemTimeout bounds each handler call; zero disables it.
	ItemTimeout time.Duration
	// OperationTimeout bounds one processing run, checked between chunks; zero disables it.
	OperationTimeout time.Duration
	// WorkerPoolSize caps parallel item execution across all operations.
	// Zero means MaxConcurrentOperations * MaxBatchSize.
	WorkerPoolSize int
	// RetryInterval is the period of the automatic retry sweep; zero disables it.
	RetryInterval time.Duration
	// EstimatePerItem seeds time estimates until an operation has completed.
	EstimatePerItem time.Duration
	// SkipRehydrate keeps Start from reloading unfinished operations. Set it for
	// short-lived engines sharing a store with a long-running one.
	SkipRehydrate bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentOperations: 3,
		PollInterval:            time.Second,
		DefaultBatchSize:        50,
		MaxBatchSize:            100,
		ItemTimeout:             30 * time.Second,
		RetryInterval:           30 * time.Second,
		EstimatePerItem:         100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentOperations <= 0 {
		c.MaxConcurrentOperations = d.MaxConcurrentOperations
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = d.DefaultBatchSize
	}
	if c.DefaultBatchSize > c.MaxBatchSize {
		c.DefaultBatchSize = c.MaxBatchSize
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = c.MaxConcurrentOperations * c.MaxBatchSize
	}
	if c.EstimatePerItem <= 0 {
		c.EstimatePerItem = d.EstimatePerItem
	}
	return c
}

// Deps are the collaborators of an Engine. Store and Handlers are required.
type Deps struct {
	Store      Store
	Handlers   *Registry
	Clock      Clock
	Notifier   Notifier
	Progress   ProgressListener
	Archiver   ResultArchiver
	Logger     *logger.Logger
	Tracer     trace.Tracer
	Registerer prometheus.Registerer
}

// Engine schedules and runs batch operations.
type Engine struct {
	cfg      Config
	store    Store
	handlers *Registry
	clock    Clock
	notifier Notifier
	progress ProgressListener
	archiver ResultArchiver
	log      *logger.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	pool     *ants.Pool

	stopCh   chan struct{}
	loopDone chan struct{}
	runners  sync.WaitGroup

	// mu guards every field below.
	mu              sync.Mutex
	queue           *priorityQueue
	active          map[string]struct{}
	paused          map[string]struct{}
	pauseRequests   map[string]struct{}
	cancelRequests  map[string]struct{}
	retryCandidates []string
	// abandoned holds failed operations whose failure could not be persisted.
	abandoned map[string]struct{}
	started   bool
	stopping  bool
}

// New builds an engine. Call Start to begin scheduling.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("batch: store is required")
	}
	if deps.Handlers == nil {
		return nil, fmt.Errorf("batch: handler registry is required")
	}
	cfg = cfg.withDefaults()

	pool, err := ants.NewPool(cfg.WorkerPoolSize)
	if err != nil {
		return nil, fmt.Errorf("batch: create worker pool: %w", err)
	}

	e := &Engine{
		cfg:            cfg,
		store:          deps.Store,
		handlers:       deps.Handlers,
		clock:          deps.Clock,
		notifier:       deps.Notifier,
		progress:       deps.Progress,
		archiver:       deps.Archiver,
		log:            deps.Logger,
		tracer:         deps.Tracer,
		metrics:        NewMetrics(),
		pool:           pool,
		queue:          newPriorityQueue(),
		active:         make(map[string]struct{}),
		paused:         make(map[string]struct{}),
		pauseRequests:  make(map[string]struct{}),
		cancelRequests: make(map[string]struct{}),
		abandoned:      make(map[string]struct{}),
		stopCh:         make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
	if e.clock == nil {
		e.clock = SystemClock()
	}
	if e.notifier == nil {
		e.notifier = noopNotifier{}
	}
	if e.progress == nil {
		e.progress = noopProgress{}
	}
	if e.archiver == nil {
		e.archiver = noopArchiver{}
	}
	if e.log == nil {
		e.log = logger.GetDefault()
	}
	e.log = e.log.WithField(logger.FieldComponent, "batch")
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if deps.Registerer != nil {
		if err := e.metrics.register(deps.Registerer, e.state); err != nil {
			pool.Release()
			return nil, fmt.Errorf("batch: register metrics: %w", err)
		}
	}
	return e, nil
}

// GetStatus returns the stored record of an operation.
func (e *Engine) GetStatus(ctx context.Context, id string) (*domain.Operation, error) {
	return e.store.Get(ctx, id)
}

// List returns a page of operations matching filter and the total match count.
func (e *Engine) List(ctx context.Context, filter domain.OperationFilter) ([]domain.Operation, int64, error) {
	return e.store.List(ctx, filter)
}

// ResultsPage is one page of an operation's item results.
type ResultsPage struct {
	OperationID string                 `json:"operation_id"`
	Status      domain.OperationStatus `json:"status"`
	Page        int                    `json:"page"`
	PageSize    int                    `json:"page_size"`
	Total       int                    `json:"total"`
	TotalPages  int                    `json:"total_pages"`
	Results     []domain.ItemResult    `json:"results"`
}

const (
	defaultResultsPageSize = 50
	maxResultsPageSize     = 1000
)

// GetResults returns page (1-based) of an operation's results in record order.
func (e *Engine) GetResults(ctx context.Context, id string, page, pageSize int) (*ResultsPage, error) {
	op, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultResultsPageSize
	}
	if pageSize > maxResultsPageSize {
		pageSize = maxResultsPageSize
	}

	total := len(op.Results)
	out := &ResultsPage{
		OperationID: op.ID,
		Status:      op.Status,
		Page:        page,
		PageSize:    pageSize,
		Total:       total,
		TotalPages:  (total + pageSize - 1) / pageSize,
		Results:     []domain.ItemResult{},
	}
	start := (page - 1) * pageSize
	if start >= total {
		return out, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out.Results = append(out.Results, op.Results[start:end]...)
	return out, nil
}

// GetMetrics returns the aggregator snapshot.
func (e *Engine) GetMetrics() MetricsSnapshot {
	return e.metrics.snapshot(e.state())
}

func (e *Engine) state() engineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return engineState{
		depths:   e.queue.depths(),
		inFlight: len(e.active),
		paused:   len(e.paused),
	}
}

func (e *Engine) operationContext(ctx context.Context, op *domain.Operation) context.Context {
	ctx = e.log.WithContext(ctx)
	return logger.SetOperation(ctx, op.ID, string(op.OperationType))
}
