package batch

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/voucherd/internal/domain"
)

func finishedOp(status domain.OperationStatus, processed int) *domain.Operation {
	return &domain.Operation{
		OperationType:    domain.OperationMintVouchers,
		Status:           status,
		TotalRecords:     processed,
		ProcessedRecords: processed,
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, c.Write(&pb))
	return pb.GetCounter().GetValue()
}

func TestMetrics_TwoPointAverage(t *testing.T) {
	m := NewMetrics()
	assert.Zero(t, m.AveragePerRecord())

	m.operationFinished(finishedOp(domain.OperationCompleted, 10), time.Second)
	assert.Equal(t, 100*time.Millisecond, m.AveragePerRecord())

	m.operationFinished(finishedOp(domain.OperationCompleted, 10), 3*time.Second)
	assert.Equal(t, 200*time.Millisecond, m.AveragePerRecord())

	// Failed operations do not move the average.
	m.operationFinished(finishedOp(domain.OperationFailed, 1), time.Minute)
	assert.Equal(t, 200*time.Millisecond, m.AveragePerRecord())

	snap := m.snapshot(engineState{depths: map[domain.Priority]int{domain.PriorityHigh: 2, domain.PriorityLow: 1}, inFlight: 3})
	assert.EqualValues(t, 2, snap.OperationsCompleted)
	assert.EqualValues(t, 1, snap.OperationsFailed)
	assert.InDelta(t, 200.0, snap.AvgRecordTimeMs, 0.001)
	assert.Equal(t, 3, snap.Queued)
	assert.Equal(t, 3, snap.InFlight)
}

func TestMetrics_PrometheusCollectors(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	state := engineState{depths: map[domain.Priority]int{domain.PriorityMedium: 4}, inFlight: 1, paused: 2}
	require.NoError(t, m.register(reg, func() engineState { return state }))

	m.operationCreated()
	m.operationCreated()
	m.itemsProcessed(domain.OperationMintVouchers, 3, 1)
	m.operationFinished(finishedOp(domain.OperationCompleted, 4), time.Second)

	assert.Equal(t, 2.0, counterValue(t, m.createdTotal))
	assert.Equal(t, 3.0, counterValue(t, m.itemsTotal.WithLabelValues("mint-vouchers", "success")))
	assert.Equal(t, 1.0, counterValue(t, m.itemsTotal.WithLabelValues("mint-vouchers", "failed")))
	assert.Equal(t, 1.0, counterValue(t, m.finishedTotal.WithLabelValues("mint-vouchers", "completed")))

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]bool)
	for _, f := range families {
		byName[f.GetName()] = true
	}
	for _, name := range []string{
		"batch_operations_created_total",
		"batch_items_processed_total",
		"batch_operations_finished_total",
		"batch_operation_duration_seconds",
		"batch_queue_depth",
		"batch_operations_inflight",
		"batch_operations_paused",
	} {
		assert.True(t, byName[name], name)
	}

	// Registering twice on the same registry is rejected.
	assert.Error(t, m.register(reg, func() engineState { return state }))
}
