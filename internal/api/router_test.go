package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/voucherd/internal/batch"
	"github.com/timmy/voucherd/internal/config"
	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestServer(t *testing.T) (http.Handler, *batch.Engine) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Shared-cache memory databases report table locks instead of waiting.
	sqlDB.SetMaxOpenConns(1)

	registry := batch.NewRegistry(0)
	registry.RegisterFunc(domain.OperationMintVouchers, func(_ context.Context, item json.RawMessage) (any, error) {
		var v struct {
			Amount float64 `json:"amount"`
		}
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, err
		}
		if v.Amount <= 0 {
			return nil, errors.New("amount must be positive")
		}
		return map[string]any{"voucher_id": fmt.Sprintf("v-%.0f", v.Amount)}, nil
	})

	reg := prometheus.NewRegistry()
	engine, err := batch.New(batch.Config{PollInterval: 5 * time.Millisecond}, batch.Deps{
		Store:      repository.NewOperationRepository(db),
		Handlers:   registry,
		Registerer: reg,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
		sqlDB.Close()
	})

	router := SetupRouter(&config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}}, RouterDeps{
		Engine:   engine,
		DB:       sqlDB,
		Gatherer: reg,
	})
	return router, engine
}

func request(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "admin-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_OperationLifecycle(t *testing.T) {
	router, _ := newTestServer(t)

	w := request(t, router, http.MethodPost, "/api/v1/operations", map[string]any{
		"operation_type": "mint-vouchers",
		"items":          []map[string]any{{"amount": 5}, {"amount": 0}, {"amount": 7}},
		"batch_size":     2,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created batch.CreateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var op domain.Operation
	require.Eventually(t, func() bool {
		w := request(t, router, http.MethodGet, "/api/v1/operations/"+created.OperationID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		op = domain.Operation{}
		return json.Unmarshal(w.Body.Bytes(), &op) == nil && op.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, domain.OperationCompleted, op.Status)
	assert.Equal(t, "admin-1", op.InitiatedBy)
	assert.Equal(t, 2, op.SuccessfulRecords)
	assert.Equal(t, 1, op.FailedRecords)
	assert.Equal(t, 100, op.Progress)

	w = request(t, router, http.MethodGet, "/api/v1/operations/"+created.OperationID+"/results?page=2&page_size=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page batch.ResultsPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Results, 1)
	assert.Equal(t, 2, page.Results[0].RecordIndex)

	// A completed operation can no longer be paused.
	w = request(t, router, http.MethodPost, "/api/v1/operations/"+created.OperationID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = request(t, router, http.MethodPost, "/api/v1/operations/"+created.OperationID+"/retry", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var retried batch.CreateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &retried))
	assert.Equal(t, 1, retried.TotalRecords)

	w = request(t, router, http.MethodGet, "/api/v1/operations?initiated_by=admin-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.OperationID)
	assert.Contains(t, w.Body.String(), retried.OperationID)

	w = request(t, router, http.MethodGet, "/api/v1/operations/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap batch.MetricsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.EqualValues(t, 2, snap.OperationsCreated)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	router, _ := newTestServer(t)

	w := request(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = request(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "batch_operations_inflight")
	assert.Contains(t, w.Body.String(), "batch_queue_depth")
}

func TestRouter_CORSPreflight(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/operations", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}
