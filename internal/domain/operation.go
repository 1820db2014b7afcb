package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"
)

// OperationType selects which item handler runs for every item of an operation.
type OperationType string

const (
	OperationMintVouchers      OperationType = "mint-vouchers"
	OperationRegisterMerchants OperationType = "register-merchants"
	OperationImportRecipients  OperationType = "import-recipients"
	OperationSendNotifications OperationType = "send-notifications"
)

// OperationTypes lists every supported operation type.
var OperationTypes = []OperationType{
	OperationMintVouchers,
	OperationRegisterMerchants,
	OperationImportRecipients,
	OperationSendNotifications,
}

// IsValid reports whether t is one of the supported operation types.
func (t OperationType) IsValid() bool {
	for _, known := range OperationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// OperationStatus represents the lifecycle state of a batch operation.
// Values include OperationQueued, OperationProcessing, OperationCompleted,
// OperationFailed, OperationCancelled and OperationPaused.
type OperationStatus string

const (
	OperationQueued     OperationStatus = "queued"
	OperationProcessing OperationStatus = "processing"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
	OperationCancelled  OperationStatus = "cancelled"
	OperationPaused     OperationStatus = "paused"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationCancelled
}

// Priority is the scheduling weight of a queued operation.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists priorities in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// ItemStatus is the outcome of a single processed item.
type ItemStatus string

const (
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
)

// ItemResult records the outcome of one item, addressed by its index in Parameters.Items.
type ItemResult struct {
	RecordIndex int        `json:"record_index"`
	Status      ItemStatus `json:"status"`
	Data        any        `json:"data,omitempty"`
	Error       string     `json:"error,omitempty"`
	ProcessedAt time.Time  `json:"processed_at"`
}

// OperationError is an operation-level failure, as opposed to an item failure.
type OperationError struct {
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OperationParameters holds the submitted items and execution options.
// It is immutable after creation.
type OperationParameters struct {
	Items      []json.RawMessage `json:"items"`
	Parallel   bool              `json:"parallel"`
	MaxRetries int               `json:"max_retries"`
	Options    map[string]any    `json:"options,omitempty"`
}

// OperationMetadata carries scheduling and lifecycle bookkeeping.
type OperationMetadata struct {
	Priority   Priority   `json:"priority"`
	RetryCount int        `json:"retry_count"`
	PausedAt   *time.Time `json:"paused_at,omitempty"`
	ResumedAt  *time.Time `json:"resumed_at,omitempty"`
	RetryOf    string     `json:"retry_of,omitempty"`
}

// Operation is the durable record of one batch job.
type Operation struct {
	ID                string              `gorm:"type:varchar(36);primaryKey" json:"id"`
	OperationType     OperationType       `gorm:"type:varchar(32);not null;index:idx_batch_operations_type" json:"operation_type"`
	Status            OperationStatus     `gorm:"type:varchar(16);not null;index:idx_batch_operations_status" json:"status"`
	InitiatedBy       string              `gorm:"type:varchar(64);index:idx_batch_operations_initiator" json:"initiated_by"`
	TotalRecords      int                 `gorm:"not null;default:0" json:"total_records"`
	ProcessedRecords  int                 `gorm:"not null;default:0" json:"processed_records"`
	SuccessfulRecords int                 `gorm:"not null;default:0" json:"successful_records"`
	FailedRecords     int                 `gorm:"not null;default:0" json:"failed_records"`
	BatchSize         int                 `gorm:"not null" json:"batch_size"`
	Progress          int                 `gorm:"not null;default:0" json:"progress"`
	StartTime         *time.Time          `json:"start_time,omitempty"`
	EndTime           *time.Time          `json:"end_time,omitempty"`
	Parameters        OperationParameters `gorm:"serializer:json;type:text" json:"parameters"`
	Results           []ItemResult        `gorm:"serializer:json;type:text" json:"results"`
	Errors            []OperationError    `gorm:"serializer:json;type:text" json:"errors"`
	Metadata          OperationMetadata   `gorm:"serializer:json;type:text" json:"metadata"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// TableName returns the database table name for Operation.
func (Operation) TableName() string {
	return "batch_operations"
}

// RecomputeProgress sets Progress to round(processed / total * 100).
func (o *Operation) RecomputeProgress() {
	if o.TotalRecords <= 0 {
		o.Progress = 0
		return
	}
	o.Progress = int(math.Round(float64(o.ProcessedRecords) / float64(o.TotalRecords) * 100))
}

// ApplyOutcome appends one item result and updates the counters and progress.
func (o *Operation) ApplyOutcome(r ItemResult) {
	o.Results = append(o.Results, r)
	o.ProcessedRecords++
	if r.Status == ItemSuccess {
		o.SuccessfulRecords++
	} else {
		o.FailedRecords++
	}
	o.RecomputeProgress()
}

// AddError records an operation-level failure.
func (o *Operation) AddError(err error, at time.Time) {
	o.Errors = append(o.Errors, OperationError{Message: err.Error(), OccurredAt: at})
}

// FailedItems maps every failed result back to its original item, in result order.
func (o *Operation) FailedItems() []json.RawMessage {
	var items []json.RawMessage
	for _, r := range o.Results {
		if r.Status != ItemFailed {
			continue
		}
		if r.RecordIndex < 0 || r.RecordIndex >= len(o.Parameters.Items) {
			continue
		}
		items = append(items, o.Parameters.Items[r.RecordIndex])
	}
	return items
}

// Validate checks the counter invariants and returns every violation found.
func (o *Operation) Validate() error {
	var result *multierror.Error
	if o.ProcessedRecords != o.SuccessfulRecords+o.FailedRecords {
		result = multierror.Append(result, fmt.Errorf("processed %d != successful %d + failed %d",
			o.ProcessedRecords, o.SuccessfulRecords, o.FailedRecords))
	}
	if o.ProcessedRecords > o.TotalRecords {
		result = multierror.Append(result, fmt.Errorf("processed %d exceeds total %d",
			o.ProcessedRecords, o.TotalRecords))
	}
	if len(o.Results) != o.ProcessedRecords {
		result = multierror.Append(result, fmt.Errorf("results length %d != processed %d",
			len(o.Results), o.ProcessedRecords))
	}
	if o.Progress < 0 || o.Progress > 100 {
		result = multierror.Append(result, fmt.Errorf("progress %d out of range", o.Progress))
	}
	return result.ErrorOrNil()
}

// Clone returns a deep copy safe to hand to readers while the original keeps changing.
// Items are shared since they never change after creation.
func (o *Operation) Clone() *Operation {
	c := *o
	c.StartTime = cloneTime(o.StartTime)
	c.EndTime = cloneTime(o.EndTime)
	c.Parameters.Items = append([]json.RawMessage(nil), o.Parameters.Items...)
	if o.Parameters.Options != nil {
		c.Parameters.Options = make(map[string]any, len(o.Parameters.Options))
		for k, v := range o.Parameters.Options {
			c.Parameters.Options[k] = v
		}
	}
	c.Results = append([]ItemResult(nil), o.Results...)
	c.Errors = append([]OperationError(nil), o.Errors...)
	c.Metadata.PausedAt = cloneTime(o.Metadata.PausedAt)
	c.Metadata.ResumedAt = cloneTime(o.Metadata.ResumedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
