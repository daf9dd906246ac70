//go:build gcp

package contextstore

import (
	"context"
	"fmt"
	"os"
)

func newGCSBackendFromEnv(ctx context.Context) (Backend, error) {
	bucket := os.Getenv("CONTEXT_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("CONTEXT_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSBackend(ctx, GCSBackendConfig{
		Bucket: bucket,
		Prefix: os.Getenv("CONTEXT_GCS_PREFIX"),
	})
}
