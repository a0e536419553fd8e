// Package memory provides an in-memory snapshot store for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Store keeps snapshots in a map.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// New builds an empty store.
func New() *Store {
	return &Store{objects: map[string][]byte{}}
}

// Put records the data and returns a mem:// URI.
func (s *Store) Put(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

// Get returns a stored snapshot.
func (s *Store) Get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}

// Len reports the number of stored snapshots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
