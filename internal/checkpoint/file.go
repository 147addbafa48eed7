package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the checkpoint in <result_dir>/iterate_status.txt.
type FileStore struct {
	path     string
	compress bool
}

// FileOption customizes a FileStore.
type FileOption func(*FileStore)

// WithCompression lz4-compresses the payload.
func WithCompression(enabled bool) FileOption {
	return func(s *FileStore) { s.compress = enabled }
}

// NewFileStore creates resultDir if needed and returns a store inside it.
func NewFileStore(resultDir string, opts ...FileOption) (*FileStore, error) {
	if resultDir == "" {
		return nil, errors.New("result directory is required")
	}
	if err := os.MkdirAll(resultDir, 0o750); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	s := &FileStore{path: filepath.Join(resultDir, FileName)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string { return s.path }

// Save writes st to a temporary file and renames it over the checkpoint.
func (s *FileStore) Save(_ context.Context, st State) error {
	data, err := Encode(st, s.compress)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint.
func (s *FileStore) Load(_ context.Context) (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return Decode(data)
}

// Clear removes the checkpoint.
func (s *FileStore) Clear(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
