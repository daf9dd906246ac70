//go:build gcp

package contextstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBackend stores blobs in a Google Cloud Storage bucket.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSBackendConfig holds configuration for GCSBackend.
type GCSBackendConfig struct {
	Bucket string
	Prefix string
}

// NewGCSBackend uses application default credentials.
func NewGCSBackend(ctx context.Context, cfg GCSBackendConfig) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSBackend{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (b *GCSBackend) Put(ctx context.Context, key string, data []byte) (string, error) {
	objectPath := b.prefix + key
	location := fmt.Sprintf("gs://%s/%s", b.bucket, objectPath)

	obj := b.client.Bucket(b.bucket).Object(objectPath)
	if _, err := obj.Attrs(ctx); err == nil {
		return location, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "text/markdown; charset=utf-8"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return location, nil
}

func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := b.client.Bucket(b.bucket).Object(b.prefix + key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

func (b *GCSBackend) Close() error {
	return b.client.Close()
}
