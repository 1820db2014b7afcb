package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// StorageType identifies the flavour of S3 API behind an endpoint.
type StorageType string

const (
	StorageTypeR2           StorageType = "r2"
	StorageTypeS3           StorageType = "s3"
	StorageTypeS3Compatible StorageType = "s3compatible"
)

// S3Config holds connection settings for an S3-compatible bucket.
type S3Config struct {
	Type      StorageType
	Endpoint  string // empty means AWS itself
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
	PublicURL string // optional CDN or public bucket prefix
}

// S3Storage implements ObjectStorage on top of aws-sdk-go-v2.
type S3Storage struct {
	client    *s3.Client
	bucket    string
	storeType StorageType
	baseURL   string
}

// NewS3Storage builds a client for cfg. No network call is made.
func NewS3Storage(cfg *S3Config) (*S3Storage, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
		if cfg.Type == StorageTypeR2 {
			region = "auto"
		}
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpointURL := ""
	if host := hostOf(cfg.Endpoint); host != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpointURL = scheme + "://" + host
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
			o.UsePathStyle = true
		}
	})

	baseURL := strings.TrimSuffix(cfg.PublicURL, "/")
	if baseURL == "" && endpointURL != "" {
		baseURL = endpointURL + "/" + cfg.Bucket
	}
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
	}

	return &S3Storage{
		client:    client,
		bucket:    cfg.Bucket,
		storeType: cfg.Type,
		baseURL:   baseURL,
	}, nil
}

// hostOf strips scheme and path from an endpoint.
func hostOf(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}
	return endpoint
}

// EnsureBucket creates the bucket when missing. R2 buckets must be created in the dashboard.
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if s.storeType == StorageTypeR2 {
		return fmt.Errorf("bucket %s does not exist, please create it in R2 dashboard", s.bucket)
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (s *S3Storage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3Storage) GetURL(key string) string {
	return s.baseURL + "/" + strings.TrimPrefix(key, "/")
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return true, nil
}
