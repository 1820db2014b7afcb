package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	FieldRequestID     = "request_id"
	FieldOperationID   = "operation_id"
	FieldOperationType = "operation_type"
	FieldComponent     = "component"
	FieldUserID        = "user_id"
)

// Metric fields, attached per entry for aggregation and alerting.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldStatus     = "status"
	FieldChunkIndex = "chunk_index"
	FieldProgress   = "progress"
	FieldSize       = "size"
)
