// Package memory stores archived pages in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Archive stores pages in a map and returns pseudo URIs.
type Archive struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an in-memory archive.
func New() *Archive {
	return &Archive{data: make(map[string][]byte)}
}

// PutObject records the content and returns a memory:// URI.
func (a *Archive) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Object returns the stored content for inspection in tests.
func (a *Archive) Object(path string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.data[path]
	return data, ok
}
