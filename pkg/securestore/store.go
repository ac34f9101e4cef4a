package securestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/benmeehan/tractive-agent/pkg/file"
)

// ErrNotFound is returned by Load when nothing is stored under the key.
var ErrNotFound = errors.New("secure store: key not found")

// SecureStore is the platform secure-storage capability. Implementations persist
// opaque (already encrypted) blobs.
type SecureStore interface {
	Store(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("secure store: invalid key %q", key)
	}
	return nil
}

// FileStore keeps each key in its own owner-only file inside an owner-only directory.
type FileStore struct {
	dir        string
	fileClient file.FileOperations
}

// NewFileStore returns a file-backed store rooted at dir.
func NewFileStore(dir string, fileClient file.FileOperations) *FileStore {
	return &FileStore{dir: dir, fileClient: fileClient}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".enc")
}

// Store writes data atomically with mode 0600.
func (s *FileStore) Store(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.fileClient.EnsureDir(s.dir); err != nil {
		return err
	}
	if err := s.fileClient.WriteFileRaw(s.path(key), data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Load reads the blob, refusing files that other users could read or that belong to
// another account.
func (s *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	path := s.path(key)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if err := file.CheckPrivate(info); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	data, err := s.fileClient.ReadFileRaw(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the blob. Deleting a missing key is not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.fileClient.Remove(s.path(key))
}

// MemoryStore is an in-process store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Store(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
