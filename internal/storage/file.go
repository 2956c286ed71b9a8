package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps session secrets in a local JSON file. Writes replace the
// file atomically.
type FileStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

func (f *FileStore) read() (sessionSecrets, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return sessionSecrets{}, nil
	}
	if err != nil {
		return sessionSecrets{}, fmt.Errorf("failed to read token store: %w", err)
	}
	var s sessionSecrets
	if err := json.Unmarshal(data, &s); err != nil {
		return sessionSecrets{}, fmt.Errorf("failed to parse token store %s: %w", f.path, err)
	}
	return s, nil
}

func (f *FileStore) update(apply func(*sessionSecrets)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.read()
	if err != nil {
		return err
	}
	apply(&s)
	s.UpdatedAt = f.now().UTC()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("failed to write token store: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token store: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *FileStore) LoadRefreshToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.read()
	return s.RefreshToken, err
}

func (f *FileStore) SaveRefreshToken(ctx context.Context, token string) error {
	return f.update(func(s *sessionSecrets) { s.RefreshToken = token })
}

func (f *FileStore) LoadStorageState(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.read()
	return s.StorageState, err
}

func (f *FileStore) SaveStorageState(ctx context.Context, state []byte) error {
	return f.update(func(s *sessionSecrets) { s.StorageState = state })
}
