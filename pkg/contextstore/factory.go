package contextstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StorageType names a Backend implementation.
type StorageType string

const (
	StorageTypeFS  StorageType = "fs"
	StorageTypeS3  StorageType = "s3"
	StorageTypeGCS StorageType = "gcs"
)

// NewStoreFromEnv creates a store based on environment variables.
//
// Environment variables:
//   - CONTEXT_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - NSTAR_ROOT: project root for the filesystem backend (default: ".")
//
// For S3:
//   - CONTEXT_S3_BUCKET (required)
//   - CONTEXT_S3_REGION or AWS_REGION
//   - CONTEXT_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - CONTEXT_S3_PREFIX (optional)
//
// For GCS:
//   - CONTEXT_GCS_BUCKET (required)
//   - CONTEXT_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (*Store, error) {
	storageType := StorageType(os.Getenv("CONTEXT_STORAGE_TYPE"))
	if storageType == "" {
		storageType = StorageTypeFS
	}

	var (
		backend Backend
		err     error
	)
	switch storageType {
	case StorageTypeFS:
		backend, err = newFileBackendFromEnv()
	case StorageTypeS3:
		backend, err = newS3BackendFromEnv(ctx)
	case StorageTypeGCS:
		backend, err = newGCSBackendFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported context storage type: %s", storageType)
	}
	if err != nil {
		return nil, err
	}
	return New(backend), nil
}

func newFileBackendFromEnv() (Backend, error) {
	root := os.Getenv("NSTAR_ROOT")
	if root == "" {
		root = "."
	}
	return NewFileBackend(filepath.Join(root, DefaultDir))
}

func newS3BackendFromEnv(ctx context.Context) (Backend, error) {
	bucket := os.Getenv("CONTEXT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("CONTEXT_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("CONTEXT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Backend(ctx, S3BackendConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("CONTEXT_S3_ENDPOINT"),
		Prefix:   os.Getenv("CONTEXT_S3_PREFIX"),
	})
}
