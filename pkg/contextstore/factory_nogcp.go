//go:build !gcp

package contextstore

import (
	"context"
	"fmt"
)

func newGCSBackendFromEnv(ctx context.Context) (Backend, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
