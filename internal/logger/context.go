package logger

import (
	"context"
	"sync"
)

type contextKey struct{}

var loggerKey = contextKey{}

var (
	defaultLogger   *Logger
	defaultLoggerMu sync.RWMutex
)

func init() {
	defaultLogger = New(nil)
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger sets the logger used when no logger is found in context.
func SetDefaultLogger(l *Logger) {
	if l != nil {
		defaultLoggerMu.Lock()
		defaultLogger = l
		defaultLoggerMu.Unlock()
	}
}

// WithContext returns a new context with the logger attached.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext extracts the logger from context, falling back to the default logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*Logger); ok {
			return l
		}
	}
	return GetDefault()
}

// WithField returns a context whose logger carries one more field.
func WithField(ctx context.Context, key string, value interface{}) context.Context {
	return FromContext(ctx).WithField(key, value).WithContext(ctx)
}

// WithFields returns a context whose logger carries the given fields.
func WithFields(ctx context.Context, fields Fields) context.Context {
	return FromContext(ctx).WithFields(fields).WithContext(ctx)
}

// SetOperation sets the operation ID and type fields in context.
func SetOperation(ctx context.Context, id, opType string) context.Context {
	return WithFields(ctx, Fields{
		FieldOperationID:   id,
		FieldOperationType: opType,
	})
}

// GetFieldString extracts a string field value from the context's logger.
func GetFieldString(ctx context.Context, key string) string {
	val, ok := FromContext(ctx).Data[key]
	if !ok {
		return ""
	}
	str, _ := val.(string)
	return str
}

// GetOperationID extracts the operation ID from context.
func GetOperationID(ctx context.Context) string {
	return GetFieldString(ctx, FieldOperationID)
}
