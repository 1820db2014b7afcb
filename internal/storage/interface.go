package storage

import (
	"context"
	"io"
)

// ObjectStorage is the subset of object-store operations used to archive operation results.
type ObjectStorage interface {
	// Upload writes an object under key, replacing any existing one.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens the object stored under key. The caller closes the reader.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the address clients can fetch key from.
	GetURL(key string) string

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)
}
