package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps the state document on the local filesystem.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path. The parent directory is
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: filepath.Clean(path)}
}

func (f *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}
	return decode(data)
}

// Save writes to a temp file in the same directory and renames it over the
// target so a crash never leaves a truncated document.
func (f *FileStore) Save(ctx context.Context, st State) error {
	data, err := encode(st)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, f.path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) Name() string { return "file:" + f.path }
