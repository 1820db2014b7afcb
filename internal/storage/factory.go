package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/timmy/voucherd/internal/config"
)

// NewStorage creates the archive bucket client described by cfg and makes sure the bucket exists.
// Parameters:
//   - ctx: context for the bucket check.
//   - cfg: storage configuration including endpoint, credentials, and bucket.
// Returns:
//   - ObjectStorage: initialized storage client implementation.
//   - error: non-nil if the client cannot be created or the bucket is unusable.
func NewStorage(ctx context.Context, cfg *config.StorageConfig) (ObjectStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: bucket is required")
	}

	storeType := StorageType(strings.ToLower(cfg.Type))
	if storeType == "" {
		storeType = detectStorageType(cfg.Endpoint)
	}

	s, err := NewS3Storage(&S3Config{
		Type:      storeType,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		PublicURL: cfg.PublicURL,
	})
	if err != nil {
		return nil, err
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// detectStorageType guesses the provider from the endpoint host.
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case endpoint == "":
		return StorageTypeS3
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
