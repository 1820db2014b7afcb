package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/logger"
	"github.com/timmy/voucherd/internal/storage"
)

// ArchiveService uploads the results of finished operations to object storage.
type ArchiveService struct {
	store storage.ObjectStorage
}

// NewArchiveService creates a new archive service.
func NewArchiveService(store storage.ObjectStorage) *ArchiveService {
	return &ArchiveService{store: store}
}

// resultsArchive is the document written for each finished operation.
type resultsArchive struct {
	OperationID       string                  `json:"operation_id"`
	OperationType     domain.OperationType    `json:"operation_type"`
	Status            domain.OperationStatus  `json:"status"`
	InitiatedBy       string                  `json:"initiated_by,omitempty"`
	TotalRecords      int                     `json:"total_records"`
	SuccessfulRecords int                     `json:"successful_records"`
	FailedRecords     int                     `json:"failed_records"`
	StartTime         *time.Time              `json:"start_time,omitempty"`
	EndTime           *time.Time              `json:"end_time,omitempty"`
	Results           []domain.ItemResult     `json:"results"`
	Errors            []domain.OperationError `json:"errors,omitempty"`
}

// ResultsKey returns the object key the results of operation id are stored under.
func ResultsKey(id string) string {
	return fmt.Sprintf("operations/%s/results.json", id)
}

// Archive writes op's results to operations/<id>/results.json.
func (s *ArchiveService) Archive(ctx context.Context, op *domain.Operation) error {
	doc := resultsArchive{
		OperationID:       op.ID,
		OperationType:     op.OperationType,
		Status:            op.Status,
		InitiatedBy:       op.InitiatedBy,
		TotalRecords:      op.TotalRecords,
		SuccessfulRecords: op.SuccessfulRecords,
		FailedRecords:     op.FailedRecords,
		StartTime:         op.StartTime,
		EndTime:           op.EndTime,
		Results:           op.Results,
		Errors:            op.Errors,
	}
	if doc.Results == nil {
		doc.Results = []domain.ItemResult{}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	key := ResultsKey(op.ID)
	if err := s.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	logger.With(logger.Fields{
		logger.FieldOperationID: op.ID,
		logger.FieldCount:       len(op.Results),
	}).Info(ctx, "Results archived to %s", key)
	return nil
}

// ResultsURL returns where the archived results of operation id can be fetched.
func (s *ArchiveService) ResultsURL(id string) string {
	return s.store.GetURL(ResultsKey(id))
}
