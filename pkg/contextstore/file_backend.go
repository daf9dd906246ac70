package contextstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultDir is where pasted text lives relative to the project root.
const DefaultDir = "assets/paste"

// FileBackend stores blobs as files under a directory.
type FileBackend struct {
	baseDir string
}

func NewFileBackend(baseDir string) (*FileBackend, error) {
	//nolint:gosec // G301: shared project directory
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure context dir: %w", err)
	}
	return &FileBackend{baseDir: baseDir}, nil
}

// Put writes data to a temp file in the same directory and renames it over
// the target, so readers never observe a partial blob.
func (b *FileBackend) Put(ctx context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(b.baseDir, key)

	tmp, err := os.CreateTemp(b.baseDir, key+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return path, nil
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.baseDir, key)) //nolint:gosec // key is a validated id
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}
