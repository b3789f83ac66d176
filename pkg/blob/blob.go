// Package blob stores uploaded files in S3 compatible object storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"
)

// DefaultURLExpiry is how long presigned download URLs stay valid.
const DefaultURLExpiry = 24 * time.Hour

// ErrObjectNotFound is returned for missing objects.
var ErrObjectNotFound = errors.New("object not found")

// Store is an object store.
type Store interface {
	// Put uploads size bytes of body under key.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	// URL returns a time-limited download URL for key.
	URL(ctx context.Context, key string) (string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping checks that the bucket is reachable.
	Ping(ctx context.Context) error
}

// Object is a stored object held by MemoryStore.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore keeps objects in memory. It serves tests and local runs
// without object storage.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(body, size+1))
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("object body is %d bytes, expected %d", len(data), size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Data: data, ContentType: contentType}
	return nil
}

// URL implements Store.
func (m *MemoryStore) URL(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrObjectNotFound
	}
	return "memory://" + key, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Objects returns a snapshot of the stored objects.
func (m *MemoryStore) Objects() map[string]Object {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.objects)
}
