// Package blob abstracts where consolidated run files end up. Production
// runs upload to Google Cloud Storage; local runs and tests use the
// filesystem or memory implementations.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store persists a finished artifact under a storage path and returns the
// resulting URI.
type Store interface {
	PutObject(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// LocalStore copies artifacts under a root directory. It exists so a run
// can be exercised end to end without cloud credentials.
type LocalStore struct {
	root string
}

// NewLocalStore builds a filesystem-backed store rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// PutObject implements Store.
func (s *LocalStore) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("object path is required")
	}
	dest := filepath.Join(s.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	return "file://" + dest, nil
}

// MemoryStore keeps objects in a map for tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// PutObject implements Store.
func (s *MemoryStore) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("object path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = bytes.Clone(data)
	return "mem://" + path, nil
}

// Object returns a stored object and whether it exists.
func (s *MemoryStore) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}

// Len reports how many objects have been stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
