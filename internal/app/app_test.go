package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/voucherd/internal/batch"
	"github.com/timmy/voucherd/internal/config"
	"github.com/timmy/voucherd/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Log: config.LogConfig{Level: "error", Format: "json"},
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			Path:        t.TempDir() + "/voucherd.db",
			AutoMigrate: true,
		},
		Batch: config.BatchConfig{
			MaxConcurrentOperations: 2,
			PollInterval:            10 * time.Millisecond,
			DefaultBatchSize:        10,
			MaxBatchSize:            20,
		},
		Chain:        config.ChainConfig{BaseURL: "http://127.0.0.1:1"},
		Notification: config.NotificationConfig{BaseURL: "http://127.0.0.1:1"},
	}
}

func TestEngineConfig(t *testing.T) {
	bc := config.BatchConfig{
		MaxConcurrentOperations: 4,
		PollInterval:            time.Second,
		DefaultBatchSize:        25,
		MaxBatchSize:            50,
		ItemTimeout:             5 * time.Second,
		RetryInterval:           time.Minute,
		SkipRehydrate:           true,
	}
	ec := EngineConfig(&bc)
	assert.Equal(t, 4, ec.MaxConcurrentOperations)
	assert.Equal(t, 25, ec.DefaultBatchSize)
	assert.Equal(t, 5*time.Second, ec.ItemTimeout)
	assert.Equal(t, time.Minute, ec.RetryInterval)
	assert.True(t, ec.SkipRehydrate)
}

func TestBuild(t *testing.T) {
	cfg := testConfig(t)
	log := NewLogger(&cfg.Log, "voucherd-test")

	a, err := Build(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Close(ctx))
	})

	assert.Nil(t, a.Archive)

	// Every type is accepted, so only the empty item list is rejected.
	for _, opType := range domain.OperationTypes {
		_, err := a.Engine.Create(context.Background(), opType, nil, batch.CreateOptions{})
		assert.ErrorIs(t, err, batch.ErrEmptyItemList, "type %s", opType)
	}

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "batch_operations_inflight")
	assert.Contains(t, names, "go_goroutines")
}
