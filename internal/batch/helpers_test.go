package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/timmy/voucherd/internal/domain"
)

type memoryStore struct {
	mu       sync.Mutex
	ops      map[string]*domain.Operation
	order    []string
	saves    int
	saveHook func(op *domain.Operation, n int) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{ops: make(map[string]*domain.Operation)}
}

func (s *memoryStore) Create(_ context.Context, op *domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicate, op.ID)
	}
	s.ops[op.ID] = op.Clone()
	s.order = append(s.order, op.ID)
	return nil
}

func (s *memoryStore) Save(_ context.Context, op *domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveHook != nil {
		if err := s.saveHook(op, s.saves); err != nil {
			return err
		}
	}
	if _, ok := s.ops[op.ID]; !ok {
		s.order = append(s.order, op.ID)
	}
	s.ops[op.ID] = op.Clone()
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: operation %s", domain.ErrNotFound, id)
	}
	return op.Clone(), nil
}

func (s *memoryStore) ListByStatus(_ context.Context, statuses ...domain.OperationStatus) ([]domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Operation
	for _, id := range s.order {
		op := s.ops[id]
		for _, st := range statuses {
			if op.Status == st {
				out = append(out, *op.Clone())
				break
			}
		}
	}
	return out, nil
}

func (s *memoryStore) List(_ context.Context, filter domain.OperationFilter) ([]domain.Operation, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Operation
	for _, id := range s.order {
		op := s.ops[id]
		if filter.Status != "" && op.Status != filter.Status {
			continue
		}
		out = append(out, *op.Clone())
	}
	return out, int64(len(out)), nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// put stores op directly, bypassing the engine.
func (s *memoryStore) put(op *domain.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = op.Clone()
	s.order = append(s.order, op.ID)
}

// fakeClock advances by step on every Now. With manual set, tickers only fire on fire().
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	step    time.Duration
	manual  bool
	tickers []*manualTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), step: 10 * time.Millisecond}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.manual {
		return SystemClock().NewTicker(d)
	}
	t := &manualTicker{c: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// fire delivers one tick to every live manual ticker.
func (c *fakeClock) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tickers {
		t.tick(c.now)
	}
}

func (c *fakeClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

type manualTicker struct {
	mu      sync.Mutex
	c       chan time.Time
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *manualTicker) tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.c <- now:
	default:
	}
}

type recordingNotifier struct {
	mu  sync.Mutex
	ops []*domain.Operation
}

func (n *recordingNotifier) NotifyCompletion(_ context.Context, op *domain.Operation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ops = append(n.ops, op)
	return nil
}

func (n *recordingNotifier) all() []*domain.Operation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*domain.Operation(nil), n.ops...)
}

type recordingProgress struct {
	mu       sync.Mutex
	progress map[string][]int
}

func (p *recordingProgress) OnProgress(_ context.Context, op *domain.Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.progress == nil {
		p.progress = make(map[string][]int)
	}
	p.progress[op.ID] = append(p.progress[op.ID], op.Progress)
}

func (p *recordingProgress) of(id string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.progress[id]...)
}

type testEnv struct {
	engine   *Engine
	clock    *fakeClock
	store    *memoryStore
	registry *Registry
	notifier *recordingNotifier
	progress *recordingProgress
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ItemTimeout = 0
	cfg.RetryInterval = 0
	cfg.PollInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		clock:    newFakeClock(),
		store:    newMemoryStore(),
		registry: NewRegistry(cfg.ItemTimeout),
		notifier: &recordingNotifier{},
		progress: &recordingProgress{},
	}
	e, err := New(cfg, Deps{
		Store:      env.store,
		Handlers:   env.registry,
		Clock:      env.clock,
		Notifier:   env.notifier,
		Progress:   env.progress,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	env.engine = e
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return env
}

// runUntil ticks the scheduler until cond holds for the stored record, then waits for runners to exit.
func (env *testEnv) runUntil(t *testing.T, id string, cond func(*domain.Operation) bool) *domain.Operation {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		env.engine.tick(ctx)
		op, err := env.engine.GetStatus(ctx, id)
		return err == nil && cond(op)
	}, 5*time.Second, 2*time.Millisecond)

	op, err := env.engine.GetStatus(ctx, id)
	require.NoError(t, err)
	return op
}

func (env *testEnv) runToTerminal(t *testing.T, id string) *domain.Operation {
	t.Helper()
	op := env.runUntil(t, id, func(op *domain.Operation) bool { return op.Status.IsTerminal() })
	env.engine.runners.Wait()
	return op
}

// indexItems builds n items of the form {"n": i}.
func indexItems(n int) []json.RawMessage {
	items := make([]json.RawMessage, n)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
	}
	return items
}

type indexItem struct {
	N int `json:"n"`
}

func decodeIndex(item json.RawMessage) int {
	var v indexItem
	_ = json.Unmarshal(item, &v)
	return v.N
}
