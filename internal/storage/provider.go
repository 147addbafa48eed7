// Package storage defines where record pages are written. Backends live in
// the memory, local and gcs subpackages; record metadata goes to postgres.
package storage

import (
	"context"
	"io"
)

// BlobStore saves one record page and returns a URI that locates it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// NoOpStore discards pages. It backs dry runs that only need the index.
type NoOpStore struct{}

// PutObject drains r and returns a noop:// URI.
func (NoOpStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	_, _ = io.Copy(io.Discard, r)
	return "noop://" + path, nil
}
