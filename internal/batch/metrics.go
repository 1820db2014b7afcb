package batch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/timmy/voucherd/internal/domain"
)

// MetricsSnapshot is a point-in-time view of engine counters and queue state.
type MetricsSnapshot struct {
	OperationsCreated   int64                   `json:"operations_created"`
	OperationsCompleted int64                   `json:"operations_completed"`
	OperationsFailed    int64                   `json:"operations_failed"`
	AvgRecordTimeMs     float64                 `json:"avg_record_time_ms"`
	QueueDepth          map[domain.Priority]int `json:"queue_depth"`
	Queued              int                     `json:"queued"`
	InFlight            int                     `json:"in_flight"`
	Paused              int                     `json:"paused"`
}

// engineState reports live queue state for gauges and snapshots.
type engineState struct {
	depths   map[domain.Priority]int
	inFlight int
	paused   int
}

// Metrics aggregates operation counters. It only observes; scheduling never reads it
// except for the per-record average used in time estimates.
type Metrics struct {
	mu           sync.Mutex
	created      int64
	completed    int64
	failed       int64
	avgPerRecord time.Duration

	createdTotal  prometheus.Counter
	finishedTotal *prometheus.CounterVec
	itemsTotal    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// NewMetrics creates an aggregator with unregistered Prometheus collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		createdTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batch_operations_created_total",
			Help: "Total number of batch operations accepted.",
		}),
		finishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_operations_finished_total",
			Help: "Total number of batch operations that reached a terminal state.",
		}, []string{"type", "status"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_items_processed_total",
			Help: "Total number of items processed by outcome.",
		}, []string{"type", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batch_operation_duration_seconds",
			Help:    "Wall-clock duration of finished batch operations.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"type", "status"}),
	}
}

// register adds the collectors plus queue gauges backed by state to reg.
func (m *Metrics) register(reg prometheus.Registerer, state func() engineState) error {
	collectors := []prometheus.Collector{m.createdTotal, m.finishedTotal, m.itemsTotal, m.duration}
	for _, p := range domain.Priorities {
		priority := p
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "batch_queue_depth",
			Help:        "Number of queued operations per priority.",
			ConstLabels: prometheus.Labels{"priority": string(priority)},
		}, func() float64 {
			return float64(state().depths[priority])
		}))
	}
	collectors = append(collectors,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "batch_operations_inflight",
			Help: "Number of operations currently being processed.",
		}, func() float64 { return float64(state().inFlight) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "batch_operations_paused",
			Help: "Number of paused operations.",
		}, func() float64 { return float64(state().paused) }),
	)

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) operationCreated() {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
	m.createdTotal.Inc()
}

func (m *Metrics) itemsProcessed(opType domain.OperationType, succeeded, failed int) {
	if succeeded > 0 {
		m.itemsTotal.WithLabelValues(string(opType), string(domain.ItemSuccess)).Add(float64(succeeded))
	}
	if failed > 0 {
		m.itemsTotal.WithLabelValues(string(opType), string(domain.ItemFailed)).Add(float64(failed))
	}
}

// operationFinished records a completed or failed operation.
// Completed operations feed the per-record average as avg = (avg + current) / 2.
func (m *Metrics) operationFinished(op *domain.Operation, elapsed time.Duration) {
	m.mu.Lock()
	switch op.Status {
	case domain.OperationCompleted:
		m.completed++
		if op.ProcessedRecords > 0 {
			current := elapsed / time.Duration(op.ProcessedRecords)
			if m.avgPerRecord == 0 {
				m.avgPerRecord = current
			} else {
				m.avgPerRecord = (m.avgPerRecord + current) / 2
			}
		}
	case domain.OperationFailed:
		m.failed++
	}
	m.mu.Unlock()

	labels := []string{string(op.OperationType), string(op.Status)}
	m.finishedTotal.WithLabelValues(labels...).Inc()
	m.duration.WithLabelValues(labels...).Observe(elapsed.Seconds())
}

// AveragePerRecord returns the running per-record processing time, zero before any completion.
func (m *Metrics) AveragePerRecord() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgPerRecord
}

func (m *Metrics) snapshot(state engineState) MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := 0
	depths := make(map[domain.Priority]int, len(state.depths))
	for p, n := range state.depths {
		depths[p] = n
		queued += n
	}
	return MetricsSnapshot{
		OperationsCreated:   m.created,
		OperationsCompleted: m.completed,
		OperationsFailed:    m.failed,
		AvgRecordTimeMs:     float64(m.avgPerRecord) / float64(time.Millisecond),
		QueueDepth:          depths,
		Queued:              queued,
		InFlight:            state.inFlight,
		Paused:              state.paused,
	}
}
