// Package contextstore is a content-addressed store for pasted reference text.
//
// Text is keyed by the first 12 hex characters of its SHA-1, so ingesting the
// same text twice yields the same reference and rewrites identical bytes.
// Nothing is ever deleted.
package contextstore

import (
	"context"
	"crypto/sha1" //nolint:gosec // content addressing, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// URIPrefix is the scheme and namespace of every reference this store returns.
	URIPrefix = "ctx://paste/"
	idLength  = 12
)

// ErrNotFound is returned by Resolve when no text is stored under the id.
var ErrNotFound = errors.New("context not found")

// ContextRef points at ingested text.
type ContextRef struct {
	ID   string `json:"id"`
	URI  string `json:"uri"`
	Path string `json:"path"`
}

// Backend persists blobs by key. Get must return ErrNotFound (possibly wrapped)
// for a missing key.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) (location string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Store ingests and resolves text on top of a Backend.
type Store struct {
	backend Backend
}

func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// ID returns the content identifier of text.
func ID(text string) string {
	sum := sha1.Sum([]byte(text)) //nolint:gosec
	return hex.EncodeToString(sum[:])[:idLength]
}

// Ingest stores text and returns its reference.
func (s *Store) Ingest(ctx context.Context, text string) (ContextRef, error) {
	id := ID(text)
	loc, err := s.backend.Put(ctx, objectKey(id), []byte(text))
	if err != nil {
		return ContextRef{}, fmt.Errorf("ingest %s: %w", id, err)
	}
	return ContextRef{ID: id, URI: URIPrefix + id, Path: loc}, nil
}

// Resolve returns the text behind ref, which may be a full URI or a bare id.
func (s *Store) Resolve(ctx context.Context, ref string) (string, error) {
	id, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	data, err := s.backend.Get(ctx, objectKey(id))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", id, err)
	}
	return string(data), nil
}

// ParseRef extracts the id from "ctx://paste/<id>" or a bare id.
func ParseRef(ref string) (string, error) {
	id := strings.TrimSpace(ref)
	if strings.HasPrefix(id, "ctx://") {
		if !strings.HasPrefix(id, URIPrefix) {
			return "", fmt.Errorf("unsupported context namespace: %s", ref)
		}
		id = strings.TrimPrefix(id, URIPrefix)
	}
	if len(id) != idLength {
		return "", fmt.Errorf("invalid context id %q: want %d hex characters", id, idLength)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return "", fmt.Errorf("invalid context id %q: %w", id, err)
	}
	return strings.ToLower(id), nil
}

func objectKey(id string) string {
	return id + ".md"
}
