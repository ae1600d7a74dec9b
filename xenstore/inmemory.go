package xenstore

import (
	"sort"
	"strings"
	"sync"
)

type (
	// InMemory is a map-backed store implementing Client.  It exists for
	// tests and local development; values are set directly with Set.
	InMemory struct {
		mu     sync.Mutex
		values map[string]string
	}
)

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{values: make(map[string]string)}
}

// Set stores value at path, creating it if necessary.
func (s *InMemory) Set(path, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[path] = value
}

// Delete removes path and everything below it.
func (s *InMemory) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, path)
	for k := range s.values {
		if strings.HasPrefix(k, path+"/") {
			delete(s.values, k)
		}
	}
}

// Read returns the value stored at path.
func (s *InMemory) Read(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[path]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// List returns the immediate child names of path.  A path is listable if it
// holds a value itself or has any descendants.
func (s *InMemory) List(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := path + "/"
	seen := make(map[string]bool)
	for k := range s.values {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		child := strings.TrimPrefix(k, prefix)
		if i := strings.Index(child, "/"); i >= 0 {
			child = child[:i]
		}
		seen[child] = true
	}
	if len(seen) == 0 {
		if _, ok := s.values[path]; !ok {
			return nil, ErrNotFound
		}
		return nil, nil
	}

	children := make([]string, 0, len(seen))
	for c := range seen {
		children = append(children, c)
	}
	sort.Strings(children)
	return children, nil
}
