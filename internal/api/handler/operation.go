package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/voucherd/internal/batch"
	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/logger"
)

// UserIDHeader carries the id of the submitting user.
const UserIDHeader = "X-User-ID"

// OperationEngine is the part of the batch engine the HTTP layer drives.
type OperationEngine interface {
	Create(ctx context.Context, opType domain.OperationType, items []json.RawMessage, opts batch.CreateOptions) (*batch.CreateResult, error)
	GetStatus(ctx context.Context, id string) (*domain.Operation, error)
	List(ctx context.Context, filter domain.OperationFilter) ([]domain.Operation, int64, error)
	GetResults(ctx context.Context, id string, page, pageSize int) (*batch.ResultsPage, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (*batch.CreateResult, error)
	GetMetrics() batch.MetricsSnapshot
}

// OperationHandler exposes batch operations over HTTP.
type OperationHandler struct {
	engine OperationEngine
}

// NewOperationHandler creates a new operation handler.
// Parameters:
//   - engine: batch engine that owns operation state.
// Returns:
//   - *OperationHandler: initialized handler.
func NewOperationHandler(engine OperationEngine) *OperationHandler {
	return &OperationHandler{engine: engine}
}

// CreateOperationRequest is the body of POST /api/v1/operations.
type CreateOperationRequest struct {
	OperationType domain.OperationType `json:"operation_type" binding:"required"`
	Items         []json.RawMessage    `json:"items"`
	BatchSize     int                  `json:"batch_size"`
	Priority      domain.Priority      `json:"priority"`
	Parallel      bool                 `json:"parallel"`
	MaxRetries    int                  `json:"max_retries"`
	Options       map[string]any       `json:"options"`
}

// ListOperationsResponse is one page of operation summaries.
type ListOperationsResponse struct {
	Operations []domain.Operation `json:"operations"`
	Total      int64              `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// Create handles POST /api/v1/operations.
func (h *OperationHandler) Create(c *gin.Context) {
	var req CreateOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	submitter := c.GetHeader(UserIDHeader)
	result, err := h.engine.Create(c.Request.Context(), req.OperationType, req.Items, batch.CreateOptions{
		BatchSize:   req.BatchSize,
		Priority:    req.Priority,
		Parallel:    req.Parallel,
		MaxRetries:  req.MaxRetries,
		SubmitterID: submitter,
		Options:     req.Options,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

// List handles GET /api/v1/operations.
func (h *OperationHandler) List(c *gin.Context) {
	filter := domain.OperationFilter{
		Status:        domain.OperationStatus(c.Query("status")),
		OperationType: domain.OperationType(c.Query("operation_type")),
		InitiatedBy:   c.Query("initiated_by"),
		Limit:         queryInt(c, "limit", 20),
		Offset:        queryInt(c, "offset", 0),
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	ops, total, err := h.engine.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if ops == nil {
		ops = []domain.Operation{}
	}

	c.JSON(http.StatusOK, ListOperationsResponse{
		Operations: ops,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
}

// Get handles GET /api/v1/operations/:id.
func (h *OperationHandler) Get(c *gin.Context) {
	op, err := h.engine.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// Results handles GET /api/v1/operations/:id/results.
func (h *OperationHandler) Results(c *gin.Context) {
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 0)

	result, err := h.engine.GetResults(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Pause handles POST /api/v1/operations/:id/pause.
func (h *OperationHandler) Pause(c *gin.Context) {
	h.transition(c, "pause requested", h.engine.Pause)
}

// Resume handles POST /api/v1/operations/:id/resume.
func (h *OperationHandler) Resume(c *gin.Context) {
	h.transition(c, "resumed", h.engine.Resume)
}

// Cancel handles POST /api/v1/operations/:id/cancel.
func (h *OperationHandler) Cancel(c *gin.Context) {
	h.transition(c, "cancel requested", h.engine.Cancel)
}

// Retry handles POST /api/v1/operations/:id/retry.
func (h *OperationHandler) Retry(c *gin.Context) {
	result, err := h.engine.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// Metrics handles GET /api/v1/operations/metrics.
func (h *OperationHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.GetMetrics())
}

func (h *OperationHandler) transition(c *gin.Context, message string, fn func(context.Context, string) error) {
	id := c.Param("id")
	if err := fn(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operation_id": id,
		"message":      message,
	})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrInvalidOperationType),
		errors.Is(err, batch.ErrEmptyItemList),
		errors.Is(err, batch.ErrInvalidBatchSize),
		errors.Is(err, batch.ErrInvalidPriority):
		return http.StatusBadRequest
	case errors.Is(err, batch.ErrInvalidStateTransition),
		errors.Is(err, batch.ErrNoFailedItems):
		return http.StatusConflict
	case errors.Is(err, batch.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.CtxError(c.Request.Context(), "Operation request failed: %v", err)
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
